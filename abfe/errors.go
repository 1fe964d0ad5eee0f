package abfe

import "errors"

// Error taxonomy shared by all sub-packages. Callers wrap these with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrConfiguration marks invalid construction arguments or missing input files.
	// Fatal: raised at construction or validation time.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransientScheduler marks a batch scheduler that could not be reached.
	// Callers retry on a subsequent update.
	ErrTransientScheduler = errors.New("transient scheduler error")

	// ErrSimulationFailure marks a job whose output carries an instability signature.
	ErrSimulationFailure = errors.New("simulation failure")

	// ErrData marks malformed, empty or insufficient time-series input.
	ErrData = errors.New("data error")

	// ErrNotFound marks a job or node that is not tracked.
	ErrNotFound = errors.New("not found")
)
