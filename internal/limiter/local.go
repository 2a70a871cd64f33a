package limiter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// LocalLimiter is the local-fallback Limiter implementation: an in-process
// counting semaphore with the same limit as the shared implementation,
// used when no shared store is reachable at startup.
type LocalLimiter struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewLocalLimiter constructs a LocalLimiter bounding concurrency at
// maxConcurrentTasks.
func NewLocalLimiter(maxConcurrentTasks int) *LocalLimiter {
	return &LocalLimiter{
		sem:      semaphore.NewWeighted(int64(maxConcurrentTasks)),
		capacity: maxConcurrentTasks,
	}
}

// Acquire implements Limiter.
func (l *LocalLimiter) Acquire(ctx context.Context, tokenID string, timeout time.Duration) (Slot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Slot{}, ErrBusy
		}
		return Slot{}, err
	}
	return Slot{token: tokenID}, nil
}

// Release implements Limiter.
func (l *LocalLimiter) Release(ctx context.Context, slot Slot) error {
	if slot.token == "" {
		return nil
	}
	l.sem.Release(1)
	return nil
}

// Capacity implements Limiter.
func (l *LocalLimiter) Capacity() int {
	return l.capacity
}
