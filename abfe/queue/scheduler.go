package queue

import "context"

// Scheduler is the batch scheduler the queue admits jobs to.
// Implementations wrap unreachable-scheduler failures in abfe.ErrTransientScheduler.
type Scheduler interface {
	// Submit hands a command to the scheduler and returns its job id.
	Submit(ctx context.Context, command string) (int, error)
	// ActiveIDs lists the ids of the calling user's jobs still known to the scheduler.
	ActiveIDs(ctx context.Context) (map[int]struct{}, error)
	// Cancel removes a job from the scheduler.
	Cancel(ctx context.Context, id int) error
}
