// Package queue implements a virtual job queue in front of a batch scheduler.
// Any number of jobs may be submitted; at most Capacity of them are handed to
// the scheduler at a time, the rest wait in FIFO order until Update finds a
// free slot.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/internal/logfile"
	"github.com/ensequil/ensequil/abfe/trace"
)

const (
	// SnapshotFile is the name of the persisted queue state in Config.Dir.
	SnapshotFile = "VirtualQueue.yaml"
	// LogFile is the name of the queue log in Config.Dir.
	LogFile = "VirtualQueue.log"
)

// Config configures a VirtualQueue.
type Config struct {
	Name     string // label in logs, metrics and traces
	Dir      string // snapshot and log directory; empty disables both
	Capacity int    // maximum admitted jobs, ≥ 1

	// Logger overrides the default file logger in Dir.
	Logger *logrus.Logger
	// Trace, when non-nil, receives every job transition.
	Trace *trace.Recorder
}

// snapshot is the persisted form of the queue. Runtime handles are not part of it.
type snapshot struct {
	Capacity int               `yaml:"capacity"`
	NextID   int               `yaml:"next_id"`
	Admitted []*Job            `yaml:"admitted"`
	Pending  []*Job            `yaml:"pending"`
	Retired  map[int]JobStatus `yaml:"retired,omitempty"`
}

// VirtualQueue holds jobs until the scheduler has room for them.
// All methods are safe for concurrent use.
type VirtualQueue struct {
	name     string
	dir      string
	capacity int
	sched    Scheduler
	log      *logrus.Logger
	rec      *trace.Recorder

	mu       sync.Mutex
	nextID   int
	admitted []*Job
	pending  []*Job
	retired  map[int]JobStatus // terminal status of jobs no longer tracked
}

// NewVirtualQueue creates a queue, reloading Dir/VirtualQueue.yaml when it
// exists, and writes the snapshot. The configured capacity replaces the
// persisted one, so a reloaded queue can be resized, but never below the
// number of jobs it already has admitted.
func NewVirtualQueue(cfg Config, sched Scheduler) (*VirtualQueue, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d: %w", cfg.Capacity, abfe.ErrConfiguration)
	}
	if sched == nil {
		return nil, fmt.Errorf("queue needs a scheduler: %w", abfe.ErrConfiguration)
	}
	q := &VirtualQueue{
		name:     cfg.Name,
		dir:      cfg.Dir,
		capacity: cfg.Capacity,
		sched:    sched,
		log:      cfg.Logger,
		rec:      cfg.Trace,
		retired:  make(map[int]JobStatus),
	}
	if q.name == "" {
		q.name = "default"
	}
	if q.log == nil {
		if q.dir == "" {
			q.log = logfile.Discard()
		} else {
			q.log = logfile.New(filepath.Join(q.dir, LogFile), logrus.WarnLevel, os.Stderr)
		}
	}
	if q.dir != "" {
		if err := q.load(); err != nil {
			return nil, err
		}
	}
	q.log.Debugf("queue %s initialised: capacity=%d admitted=%d pending=%d",
		q.name, q.capacity, len(q.admitted), len(q.pending))
	q.persist()
	q.observe()
	return q, nil
}

// Submit enqueues command and immediately tries to admit it. The job is
// tracked even if the scheduler cannot be reached; admission is then
// retried by the next Update.
func (q *VirtualQueue) Submit(ctx context.Context, command, outputPattern string) (Job, error) {
	if command == "" {
		return Job{}, fmt.Errorf("empty job command: %w", abfe.ErrConfiguration)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job := &Job{ID: q.nextID, Command: command, OutputPattern: outputPattern}
	q.nextID++
	q.pending = append(q.pending, job)
	q.transition(job, StatusQueued, "submitted")

	if err := q.update(ctx); err != nil {
		q.log.Warnf("%s submitted but not yet admitted: %v", job, err)
	}
	q.persist()
	return job.clone(), nil
}

// Kill cancels an admitted job or drops a pending one, marking it KILLED.
// Jobs that are not tracked (never submitted, or already terminal) give ErrNotFound.
func (q *VirtualQueue) Kill(ctx context.Context, id int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.admitted {
		if job.ID != id {
			continue
		}
		if err := q.sched.Cancel(ctx, *job.SchedulerID); err != nil {
			SchedulerErrors.WithLabelValues(q.name, "cancel").Inc()
			return fmt.Errorf("killing %s: %w", job, asTransient(err))
		}
		q.admitted = append(q.admitted[:i:i], q.admitted[i+1:]...)
		q.transition(job, StatusKilled, "cancelled")
		q.persist()
		return nil
	}
	for i, job := range q.pending {
		if job.ID != id {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		q.transition(job, StatusKilled, "removed before admission")
		q.persist()
		return nil
	}
	return fmt.Errorf("job %d in queue %s: %w", id, q.name, abfe.ErrNotFound)
}

// Update retires admitted jobs the scheduler no longer lists, then admits
// pending jobs in FIFO order while there is capacity. If the active job list
// cannot be fetched nothing changes. If a submission fails, admission stops
// with that job still at the head of the pending list; jobs admitted earlier
// in the same call stay admitted.
func (q *VirtualQueue) Update(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.update(ctx)
	q.persist()
	return err
}

func (q *VirtualQueue) update(ctx context.Context) error {
	defer q.observe()

	active, err := q.sched.ActiveIDs(ctx)
	if err != nil {
		SchedulerErrors.WithLabelValues(q.name, "list").Inc()
		return fmt.Errorf("queue %s: listing active jobs: %w", q.name, asTransient(err))
	}

	still := q.admitted[:0:0]
	for _, job := range q.admitted {
		if _, ok := active[*job.SchedulerID]; ok {
			still = append(still, job)
			continue
		}
		q.retire(job)
	}
	q.admitted = still

	for len(q.pending) > 0 && len(q.admitted) < q.capacity {
		job := q.pending[0]
		sid, err := q.sched.Submit(ctx, job.Command)
		if err != nil {
			SchedulerErrors.WithLabelValues(q.name, "submit").Inc()
			return fmt.Errorf("queue %s: submitting %s: %w", q.name, job, asTransient(err))
		}
		job.SchedulerID = &sid
		q.pending = q.pending[1:]
		q.admitted = append(q.admitted, job)
		q.log.Infof("%s admitted", job)
	}
	return nil
}

// retire classifies a job that has left the scheduler.
func (q *VirtualQueue) retire(job *Job) {
	failed, err := HasFailed(job.OutputPattern)
	switch {
	case err != nil:
		q.log.Warnf("%s left the scheduler but its output could not be checked, assuming finished: %v", job, err)
		q.transition(job, StatusFinished, "no output to check")
	case failed:
		q.transition(job, StatusFailed, "failure signature in output")
	default:
		q.transition(job, StatusFinished, "left scheduler")
	}
}

func (q *VirtualQueue) transition(job *Job, to JobStatus, reason string) {
	from := job.Status
	job.Status = to
	if to.Terminal() {
		q.retired[job.ID] = to
	}
	level := logrus.InfoLevel
	if to == StatusFailed {
		level = logrus.WarnLevel
	}
	q.log.Logf(level, "%s: %s -> %s (%s)", job, from, to, reason)
	TransitionsTotal.WithLabelValues(q.name, to.String()).Inc()

	sid := -1
	if job.SchedulerID != nil {
		sid = *job.SchedulerID
	}
	q.rec.RecordJob(trace.JobRecord{
		Queue: q.name, JobID: job.ID, SchedulerID: sid,
		From: from.String(), To: to.String(), Time: time.Now(), Reason: reason,
	})
}

func (q *VirtualQueue) observe() {
	AdmittedJobs.WithLabelValues(q.name).Set(float64(len(q.admitted)))
	PendingJobs.WithLabelValues(q.name).Set(float64(len(q.pending)))
}

// Job returns a copy of a tracked job.
func (q *VirtualQueue) Job(id int) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range [][]*Job{q.admitted, q.pending} {
		for _, job := range list {
			if job.ID == id {
				return job.clone(), true
			}
		}
	}
	return Job{}, false
}

// Status returns the status of a tracked or retired job.
func (q *VirtualQueue) Status(id int) (JobStatus, bool) {
	if job, ok := q.Job(id); ok {
		return job.Status, true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.retired[id]
	return s, ok
}

// Admitted returns copies of the admitted jobs in admission order.
func (q *VirtualQueue) Admitted() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.admitted)
}

// Pending returns copies of the waiting jobs in FIFO order.
func (q *VirtualQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.pending)
}

// Len returns the number of tracked (admitted plus pending) jobs.
func (q *VirtualQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.admitted) + len(q.pending)
}

// Capacity returns the admission limit.
func (q *VirtualQueue) Capacity() int { return q.capacity }

// Name returns the queue label.
func (q *VirtualQueue) Name() string { return q.name }

func cloneAll(jobs []*Job) []Job {
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.clone()
	}
	return out
}

// asTransient makes sure err matches abfe.ErrTransientScheduler.
func asTransient(err error) error {
	if errors.Is(err, abfe.ErrTransientScheduler) {
		return err
	}
	return fmt.Errorf("%w: %w", abfe.ErrTransientScheduler, err)
}

func (q *VirtualQueue) snapshotPath() string {
	return filepath.Join(q.dir, SnapshotFile)
}

// persist writes the snapshot atomically. Failures are logged, not returned.
func (q *VirtualQueue) persist() {
	if q.dir == "" {
		return
	}
	snap := snapshot{Capacity: q.capacity, NextID: q.nextID, Admitted: q.admitted, Pending: q.pending, Retired: q.retired}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		q.log.Errorf("encoding queue snapshot: %v", err)
		return
	}
	tmp := q.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		q.log.Errorf("writing queue snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, q.snapshotPath()); err != nil {
		q.log.Errorf("replacing queue snapshot: %v", err)
	}
}

func (q *VirtualQueue) load() error {
	f, err := os.Open(q.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening queue snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	var snap snapshot
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("decoding %s: %w: %w", q.snapshotPath(), abfe.ErrConfiguration, err)
	}
	for _, job := range snap.Admitted {
		if job.SchedulerID == nil {
			return fmt.Errorf("admitted %s has no scheduler id: %w", job, abfe.ErrConfiguration)
		}
	}
	if len(snap.Admitted) > q.capacity {
		return fmt.Errorf("capacity %d is below the %d jobs admitted by the persisted queue: %w",
			q.capacity, len(snap.Admitted), abfe.ErrConfiguration)
	}
	if snap.Capacity != 0 && snap.Capacity != q.capacity {
		q.log.Infof("queue %s capacity changed from %d to %d", q.name, snap.Capacity, q.capacity)
	}
	q.nextID = snap.NextID
	q.admitted = snap.Admitted
	q.pending = snap.Pending
	if snap.Retired != nil {
		q.retired = snap.Retired
	}
	q.log.Infof("reloaded queue %s from %s", q.name, q.snapshotPath())
	return nil
}
