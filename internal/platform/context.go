package platform

import (
	"context"
	"time"
)

// detachedContext keeps the values of its parent but none of its
// cancellation or deadline.
type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (deadline time.Time, ok bool) { return }
func (detachedContext) Done() <-chan struct{}                   { return nil }
func (detachedContext) Err() error                              { return nil }

// Detach returns a context carrying ctx's values that is never canceled by ctx.
// Cleanup actions (back, scroll restore, flush) run under a detached context
// with their own timeout so a user abort still leaves the app tidy.
func Detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

// CleanupContext is Detach plus a timeout.
func CleanupContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), timeout)
}
