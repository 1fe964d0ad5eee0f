// Package queuetest provides an in-memory Scheduler for deterministic tests.
package queuetest

import (
	"context"
	"sort"
	"sync"
)

// FakeScheduler keeps submitted jobs active until the test finishes them.
type FakeScheduler struct {
	mu           sync.Mutex
	nextID       int
	active       map[int]string
	submitted    []string
	cancelled    []int
	maxActive    int
	listErr      error
	submitErr    error
	submitFailAt int // 1-based submission index that fails, 0 = none
	submitCount  int
	onSubmit     func(id int, command string)
}

// New returns a scheduler whose ids start at 1000.
func New() *FakeScheduler {
	return &FakeScheduler{nextID: 1000, active: make(map[int]string)}
}

// Submit implements queue.Scheduler.
func (f *FakeScheduler) Submit(ctx context.Context, command string) (int, error) {
	f.mu.Lock()
	f.submitCount++
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return 0, err
	}
	if f.submitFailAt != 0 && f.submitCount == f.submitFailAt {
		f.mu.Unlock()
		return 0, context.DeadlineExceeded
	}
	id := f.nextID
	f.nextID++
	f.active[id] = command
	f.submitted = append(f.submitted, command)
	if len(f.active) > f.maxActive {
		f.maxActive = len(f.active)
	}
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(id, command)
	}
	return id, nil
}

// ActiveIDs implements queue.Scheduler.
func (f *FakeScheduler) ActiveIDs(ctx context.Context) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make(map[int]struct{}, len(f.active))
	for id := range f.active {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Cancel implements queue.Scheduler.
func (f *FakeScheduler) Cancel(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	f.cancelled = append(f.cancelled, id)
	return nil
}

// Finish removes a job from the active set, as if it had completed.
func (f *FakeScheduler) Finish(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
}

// FinishAll completes every active job.
func (f *FakeScheduler) FinishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = make(map[int]string)
}

// Active returns the sorted ids of active jobs.
func (f *FakeScheduler) Active() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Submitted returns every command accepted so far, in order.
func (f *FakeScheduler) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// Cancelled returns the ids passed to Cancel, in order.
func (f *FakeScheduler) Cancelled() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cancelled...)
}

// MaxActive returns the largest number of simultaneously active jobs seen.
func (f *FakeScheduler) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// SetListError makes ActiveIDs fail with err until reset with nil.
func (f *FakeScheduler) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetSubmitError makes Submit fail with err until reset with nil.
func (f *FakeScheduler) SetSubmitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// FailSubmissionNumber makes the n-th Submit call (counting from 1) fail once.
func (f *FakeScheduler) FailSubmissionNumber(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFailAt = n
}

// OnSubmit registers a hook called after each accepted submission.
func (f *FakeScheduler) OnSubmit(hook func(id int, command string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = hook
}
