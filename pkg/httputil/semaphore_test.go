package httputil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphoreTryAcquire(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Error("first TryAcquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Error("second TryAcquire should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third TryAcquire should fail at capacity")
	}
	if sem.SkippedCount() != 1 {
		t.Errorf("SkippedCount = %d, want 1", sem.SkippedCount())
	}

	sem.Release()
	if !sem.TryAcquire() {
		t.Error("TryAcquire should succeed after Release")
	}
}

func TestSemaphoreAcquireTimeout(t *testing.T) {
	sem := NewSemaphore(1)

	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSemaphoreConcurrent(t *testing.T) {
	sem := NewSemaphore(10)
	var acquired atomic.Int32
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem.TryAcquire() {
				acquired.Add(1)
				time.Sleep(10 * time.Millisecond)
				sem.Release()
			}
		}()
	}
	wg.Wait()

	if sem.InUse() != 0 {
		t.Errorf("expected 0 in use after completion, got %d", sem.InUse())
	}
}

func TestNewSemaphoreDefaultCapacity(t *testing.T) {
	sem := NewSemaphore(0)
	if cap(sem.sem) != 100 {
		t.Errorf("default capacity should be 100, got %d", cap(sem.sem))
	}
}
