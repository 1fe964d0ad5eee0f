package trace

import (
	"sync"
	"testing"
)

func TestRecorder_RecordJob_AppendsRecord(t *testing.T) {
	// GIVEN a recorder configured for transitions
	r := NewRecorder(TraceLevelTransitions)

	// WHEN a job record is recorded
	r.RecordJob(JobRecord{Queue: "bound", JobID: 1, SchedulerID: 4242, From: "QUEUED", To: "FINISHED"})

	// THEN the recorder contains one job record with correct data
	jobs := r.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job record, got %d", len(jobs))
	}
	if jobs[0].SchedulerID != 4242 || jobs[0].To != "FINISHED" {
		t.Errorf("unexpected record %+v", jobs[0])
	}
}

func TestRecorder_NilRecorder_DropsRecords(t *testing.T) {
	// GIVEN tracing disabled
	r := NewRecorder(TraceLevelNone)
	if r != nil {
		t.Fatal("expected nil recorder for level none")
	}

	// WHEN records are added through the nil recorder
	r.RecordJob(JobRecord{JobID: 1})
	r.RecordEquilibration(EquilibrationRecord{Window: "w"})
	r.RecordLambdaUpdate(LambdaUpdateRecord{Stage: "s"})

	// THEN nothing panics and accessors return empty
	if len(r.Jobs()) != 0 || len(r.Equilibrations()) != 0 || len(r.LambdaUpdates()) != 0 {
		t.Error("nil recorder returned records")
	}
}

func TestRecorder_RecordLambdaUpdate_CopiesSlices(t *testing.T) {
	// GIVEN a recorder and caller-owned slices
	r := NewRecorder(TraceLevelTransitions)
	old := []float64{0, 0.5, 1}
	updated := []float64{0, 0.25, 0.5, 1}

	// WHEN the update is recorded and the caller then mutates its slices
	r.RecordLambdaUpdate(LambdaUpdateRecord{Stage: "vanish", Old: old, New: updated})
	old[1] = 99
	updated[1] = 99

	// THEN the recorded values are unchanged
	got := r.LambdaUpdates()[0]
	if got.Old[1] != 0.5 || got.New[1] != 0.25 {
		t.Errorf("record aliased caller slices: %+v", got)
	}
}

func TestRecorder_ConcurrentRecording_KeepsEveryRecord(t *testing.T) {
	// GIVEN many goroutines recording at once
	r := NewRecorder(TraceLevelTransitions)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.RecordJob(JobRecord{JobID: id, To: "QUEUED"})
			r.RecordEquilibration(EquilibrationRecord{Window: "w", Equilibrated: id%2 == 0})
		}(i)
	}
	wg.Wait()

	// THEN no record is lost
	if len(r.Jobs()) != 50 || len(r.Equilibrations()) != 50 {
		t.Errorf("expected 50/50 records, got %d/%d", len(r.Jobs()), len(r.Equilibrations()))
	}
}

func TestIsValidTraceLevel_ValidLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"none", true},
		{"transitions", true},
		{"", true},
		{"decisions", false},
		{"all", false},
	}
	for _, tc := range tests {
		if got := IsValidTraceLevel(tc.level); got != tc.valid {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tc.level, got, tc.valid)
		}
	}
}
