package trace

import "sync"

// TraceLevel controls the verbosity of transition tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelTransitions captures job, equilibration and λ-update records.
	TraceLevelTransitions TraceLevel = "transitions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:        true,
	TraceLevelTransitions: true,
	"":                    true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Recorder collects transition records. Safe for concurrent use; a nil
// *Recorder accepts and drops every record.
type Recorder struct {
	Level TraceLevel

	mu             sync.Mutex
	jobs           []JobRecord
	equilibrations []EquilibrationRecord
	lambdaUpdates  []LambdaUpdateRecord
}

// NewRecorder creates a Recorder ready for recording.
// Returns nil for TraceLevelNone so callers can pass the result through unconditionally.
func NewRecorder(level TraceLevel) *Recorder {
	if level == TraceLevelNone || level == "" {
		return nil
	}
	return &Recorder{Level: level}
}

// RecordJob appends a job transition record.
func (r *Recorder) RecordJob(rec JobRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, rec)
}

// RecordEquilibration appends an equilibration decision record.
func (r *Recorder) RecordEquilibration(rec EquilibrationRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equilibrations = append(r.equilibrations, rec)
}

// RecordLambdaUpdate appends a λ re-spacing record. The slices are copied.
func (r *Recorder) RecordLambdaUpdate(rec LambdaUpdateRecord) {
	if r == nil {
		return
	}
	rec.Old = append([]float64(nil), rec.Old...)
	rec.New = append([]float64(nil), rec.New...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lambdaUpdates = append(r.lambdaUpdates, rec)
}

// Jobs returns a copy of the job records in recording order.
func (r *Recorder) Jobs() []JobRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobRecord(nil), r.jobs...)
}

// Equilibrations returns a copy of the equilibration records in recording order.
func (r *Recorder) Equilibrations() []EquilibrationRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EquilibrationRecord(nil), r.equilibrations...)
}

// LambdaUpdates returns a copy of the λ-update records in recording order.
func (r *Recorder) LambdaUpdates() []LambdaUpdateRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LambdaUpdateRecord(nil), r.lambdaUpdates...)
}
