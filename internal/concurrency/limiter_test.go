package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	require.Equal(t, 3, l.Size())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestLimiterReturnsErrors(t *testing.T) {
	l := NewLimiter(0)
	require.Equal(t, 1, l.Size())

	boom := errors.New("boom")
	require.ErrorIs(t, l.Do(context.Background(), func() error { return boom }), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := make(chan struct{})
	hold := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Do(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	called := false
	err := l.Do(ctx, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)

	close(hold)
	<-done
}

func TestNewPoolReturnsFirstError(t *testing.T) {
	p := NewPool(context.Background(), 2)
	p.Go(func(ctx context.Context) error {
		return errors.New("first")
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.EqualError(t, p.Wait(), "first")
}
