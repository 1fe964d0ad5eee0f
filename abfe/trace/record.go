// Package trace records the state transitions of a calculation for later
// inspection: job status changes, equilibration decisions and λ re-spacing.
// This package has no dependencies on the other abfe packages; it stores pure data types.
package trace

import "time"

// JobRecord captures a single job status transition.
type JobRecord struct {
	Queue       string
	JobID       int
	SchedulerID int // -1 when the job never reached the scheduler
	From        string
	To          string
	Time        time.Time
	Reason      string
}

// EquilibrationRecord captures one equilibration check of a λ window.
type EquilibrationRecord struct {
	Window       string // base dir of the window
	Lambda       float64
	Method       string
	Equilibrated bool
	EquilTime    float64 // ns; NaN when not equilibrated
	TotSimtime   float64 // ns, summed over replicates
	Time         time.Time
}

// LambdaUpdateRecord captures a re-spacing of the λ windows of a stage.
type LambdaUpdateRecord struct {
	Stage    string
	DeltaSEM float64 // 0 when values were supplied directly
	Old      []float64
	New      []float64
	Time     time.Time
}
