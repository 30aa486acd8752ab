package governance

import (
	"context"
	"fmt"
	"time"
)

// TimerSleeper suspends the calling goroutine with an interruptible timer.
// Only the calling task blocks; no shared resource is held during the wait.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
