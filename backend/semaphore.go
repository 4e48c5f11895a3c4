package backend

import (
	"context"
	"errors"

	xsemaphore "golang.org/x/sync/semaphore"
)

// weightedSemaphore adapts golang.org/x/sync/semaphore.Weighted — the same
// primitive the wider connection-pool corpus reaches for over a hand-rolled
// buffered-channel semaphore — to the pool's Acquire(ctx)-returns-
// ErrPoolTimeout contract.
type weightedSemaphore struct {
	w *xsemaphore.Weighted
}

func newWeightedSemaphore(n int) Semaphore {
	return &weightedSemaphore{w: xsemaphore.NewWeighted(int64(n))}
}

func (s *weightedSemaphore) Acquire(ctx context.Context) error {
	err := s.w.Acquire(ctx, 1)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPoolTimeout
	}
	return err
}

func (s *weightedSemaphore) Release() {
	s.w.Release(1)
}
