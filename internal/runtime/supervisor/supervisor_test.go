package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("boom") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")
	assert.Error(t, s.Context().Err())
}

func TestGoCanceledIsClean(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	snap := s.Snapshot()
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, uint64(1), snap.Started)
	assert.Empty(t, snap.FirstError)
}

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("panicky", func(context.Context) error { panic("kaboom") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panicky")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, uint64(1), snap.Tasks[0].Panics)
	assert.Contains(t, snap.Tasks[0].LastErr, "kaboom")
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	assert.Equal(t, int32(3), runs.Load())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky: transient")

	var flaky TaskStats
	for _, g := range s.Snapshot().Tasks {
		if g.Name == "flaky" {
			flaky = g
		}
	}
	assert.Equal(t, uint64(2), flaky.Restarts)
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := NewSupervisor(context.Background())
	started := make(chan struct{}, 1)
	s.GoRestart("worker", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return errors.New("dependency closed")
	})
	<-started
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.NoError(t, s.Err())
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewSupervisor(context.Background())
	block := make(chan struct{})
	defer close(block)
	s.Go0("stuck", func(context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestTaskStatsAreBounded(t *testing.T) {
	s := NewSupervisor(context.Background())
	for i := range maxTasks + 10 {
		s.Go0(fmt.Sprintf("task%d", i), func(context.Context) {})
		require.Eventually(t, func() bool { return s.Snapshot().Active == 0 }, 2*time.Second, time.Millisecond)
	}
	snap := s.Snapshot()
	assert.Len(t, snap.Tasks, maxTasks)
	assert.Equal(t, uint64(maxTasks+10), snap.Started)
	for _, task := range snap.Tasks {
		assert.NotEqual(t, "task0", task.Name, "oldest task evicted first")
	}
}
