// Package concurrency holds the goroutine helpers shared by the subset backends.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a pool of at most limit goroutines that cancels the remaining tasks once one
// fails. Wait returns the first error.
func NewPool(ctx context.Context, limit int) *pool.ContextPool {
	if limit < 1 {
		limit = 1
	}
	return pool.New().
		WithMaxGoroutines(limit).
		WithContext(ctx).
		WithFirstError().
		WithCancelOnError()
}

// Send delivers v on ch unless ctx is done first. It reports whether v was delivered.
func Send[T any](ctx context.Context, ch chan<- T, v T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
