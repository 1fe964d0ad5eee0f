package trace

// TraceSummary aggregates statistics from a Recorder.
type TraceSummary struct {
	TotalTransitions    int
	TransitionsByStatus map[string]int // target status → count
	FailedJobs          int
	EquilibrationChecks int
	WindowsEquilibrated int // distinct windows with at least one positive check
	LambdaUpdates       int
	MaxWindowsAdded     int // largest growth in window count over one update
}

// Summarize computes aggregate statistics from a Recorder.
// Safe for nil or empty recorders (returns zero-value fields).
func Summarize(r *Recorder) *TraceSummary {
	summary := &TraceSummary{
		TransitionsByStatus: make(map[string]int),
	}
	if r == nil {
		return summary
	}

	jobs := r.Jobs()
	summary.TotalTransitions = len(jobs)
	for _, j := range jobs {
		summary.TransitionsByStatus[j.To]++
	}
	summary.FailedJobs = summary.TransitionsByStatus["FAILED"]

	equil := r.Equilibrations()
	summary.EquilibrationChecks = len(equil)
	seen := make(map[string]bool)
	for _, e := range equil {
		if e.Equilibrated {
			seen[e.Window] = true
		}
	}
	summary.WindowsEquilibrated = len(seen)

	updates := r.LambdaUpdates()
	summary.LambdaUpdates = len(updates)
	for _, u := range updates {
		if added := len(u.New) - len(u.Old); added > summary.MaxWindowsAdded {
			summary.MaxWindowsAdded = added
		}
	}
	return summary
}
