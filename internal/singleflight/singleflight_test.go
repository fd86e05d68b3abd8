package singleflight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDoCoalesces(t *testing.T) {
	t.Parallel()

	var g Group[int, string]
	var calls atomic.Int32
	release := make(chan struct{})

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			v, _, err := g.Do(context.Background(), 7, func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "children", nil
			})
			if err != nil {
				return err
			}
			if v != "children" {
				return errors.New("unexpected value " + v)
			}
			return nil
		})
	}

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		c, ok := g.m[7]
		return ok && c.dups == 15
	}, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, eg.Wait())
	require.Equal(t, int32(1), calls.Load())
	require.False(t, g.InFlight(7))
}

func TestDoFollowerContext(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = g.Do(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, shared, err := g.Do(ctx, "k", func(context.Context) (int, error) {
		t.Error("follower must not run fn")
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, shared)
}

func TestDoSequentialCallsRunAgain(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	n := 0
	for i := 0; i < 3; i++ {
		v, shared, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
			n++
			return n, nil
		})
		require.NoError(t, err)
		require.False(t, shared)
		require.Equal(t, i+1, v)
	}
}
