package backend

import "context"

// NullSemaphore is the "unlimited" sentinel: Acquire and Release are both
// no-ops. It stands in for MaxConnections being unset, so the pool's
// admission path never has to special-case "no limit configured" — it just
// always holds a Backend.NewSemaphore result and calls through it.
type NullSemaphore struct{}

func (NullSemaphore) Acquire(ctx context.Context) error {
	return nil
}

func (NullSemaphore) Release() {}
