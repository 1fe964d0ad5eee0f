package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ensequil/ensequil/abfe"
)

// DefaultWatchInterval is the polling period used when Watch is given zero.
const DefaultWatchInterval = 30 * time.Second

// Watch calls Update every interval until ctx is done. Transient scheduler
// errors are logged and retried on the next tick; any other error stops the
// loop. Returns ctx.Err() on cancellation.
func (q *VirtualQueue) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := q.Update(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, abfe.ErrTransientScheduler) {
				return err
			}
			q.log.Warnf("queue update failed, retrying in %s: %v", interval, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
