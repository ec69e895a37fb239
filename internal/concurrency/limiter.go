package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of concurrent calls to Do across every goroutine sharing it.
type Limiter struct {
	sem  *semaphore.Weighted
	size int
}

func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (l *Limiter) Size() int {
	return l.size
}

// Do runs fn once a slot is free. It returns the context error without calling fn if ctx is
// done first.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	return fn()
}
