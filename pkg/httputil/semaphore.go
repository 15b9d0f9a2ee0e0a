package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds concurrent outbound calls. The agent scheduler uses one
// to cap simultaneous reasoning-service requests across all active sessions;
// a tick that can't get a slot skips rather than queueing forever.
type Semaphore struct {
	sem     chan struct{}
	skipped atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// TryAcquire attempts to take a slot without blocking. Returns false if at
// capacity; callers that skip work on false are counted as skipped.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.skipped.Add(1)
		return false
	}
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Must follow a successful TryAcquire or Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
		// Release without a matching acquire; ignore.
	}
}

// SkippedCount returns how many TryAcquire calls were refused at capacity.
// Useful for spotting reasoning-service backpressure.
func (s *Semaphore) SkippedCount() int64 {
	return s.skipped.Load()
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	return len(s.sem)
}
