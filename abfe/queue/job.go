package queue

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// JobStatus is the lifecycle state of a Job.
// NONE → QUEUED → {FINISHED | FAILED | KILLED}; the last three are terminal.
type JobStatus int

const (
	StatusNone JobStatus = iota
	StatusQueued
	StatusFinished
	StatusFailed
	StatusKilled
)

var statusNames = map[JobStatus]string{
	StatusNone:     "NONE",
	StatusQueued:   "QUEUED",
	StatusFinished: "FINISHED",
	StatusFailed:   "FAILED",
	StatusKilled:   "KILLED",
}

func (s JobStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusKilled
}

// ParseJobStatus is the inverse of String.
func ParseJobStatus(name string) (JobStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown job status %q", name)
}

// MarshalYAML writes the status by name.
func (s JobStatus) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML reads the status by name.
func (s *JobStatus) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseJobStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Job is one unit of batch work tracked by a VirtualQueue.
type Job struct {
	ID            int       `yaml:"id"`
	Command       string    `yaml:"command"`
	SchedulerID   *int      `yaml:"scheduler_id,omitempty"` // set once admitted
	Status        JobStatus `yaml:"status"`
	OutputPattern string    `yaml:"output_pattern,omitempty"` // doublestar glob of the scheduler's output file
}

// String omits the command, which may be long.
func (j Job) String() string {
	sid := "none"
	if j.SchedulerID != nil {
		sid = fmt.Sprint(*j.SchedulerID)
	}
	return fmt.Sprintf("Job(id=%d, scheduler_id=%s, status=%s)", j.ID, sid, j.Status)
}

// clone returns a copy that shares no memory with j.
func (j *Job) clone() Job {
	c := *j
	if j.SchedulerID != nil {
		id := *j.SchedulerID
		c.SchedulerID = &id
	}
	return c
}
