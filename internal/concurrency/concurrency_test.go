package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	t.Run("delivers", func(t *testing.T) {
		ch := make(chan int, 1)
		require.True(t, Send(context.Background(), ch, 7))
		require.Equal(t, 7, <-ch)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ch := make(chan int, 1)
		require.False(t, Send(ctx, ch, 7))
		require.Empty(t, ch)
	})

	t.Run("unblocks_on_cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan bool)
		go func() {
			done <- Send(ctx, make(chan int), 7)
		}()
		cancel()
		require.False(t, <-done)
	})
}

func TestNewPool(t *testing.T) {
	t.Run("first_error_cancels_the_rest", func(t *testing.T) {
		boom := errors.New("boom")
		var cancelled atomic.Int32

		p := NewPool(context.Background(), 2)
		p.Go(func(ctx context.Context) error {
			return boom
		})
		for i := 0; i < 4; i++ {
			p.Go(func(ctx context.Context) error {
				<-ctx.Done()
				cancelled.Add(1)
				return ctx.Err()
			})
		}
		require.ErrorIs(t, p.Wait(), boom)
		require.Equal(t, int32(4), cancelled.Load())
	})

	t.Run("zero_limit_still_runs", func(t *testing.T) {
		var ran atomic.Int32
		p := NewPool(context.Background(), 0)
		for i := 0; i < 3; i++ {
			p.Go(func(context.Context) error {
				ran.Add(1)
				return nil
			})
		}
		require.NoError(t, p.Wait())
		require.Equal(t, int32(3), ran.Load())
	})
}
