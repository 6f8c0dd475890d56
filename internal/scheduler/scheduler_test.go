package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New(zap.NewNop())
	require.NoError(t, s.Register("sync-quotes", time.Second, func(context.Context) error { return nil }))

	err := s.Register("sync-quotes", time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterRejectsNonPositiveInterval(t *testing.T) {
	s := New(zap.NewNop())
	assert.Error(t, s.Register("bad", 0, func(context.Context) error { return nil }))
}

func TestTriggerUnknownTask(t *testing.T) {
	s := New(zap.NewNop())
	assert.ErrorIs(t, s.Trigger("missing"), ErrNoSuchTask)
}

func TestTriggerRunsTaskAndReportsError(t *testing.T) {
	s := New(zap.NewNop())
	wantErr := errors.New("provider timeout")
	var runs atomic.Int32
	require.NoError(t, s.Register("sync-quotes", time.Hour, func(context.Context) error {
		runs.Add(1)
		return wantErr
	}))

	err := s.Trigger("sync-quotes")
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int32(1), runs.Load())

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, wantErr.Error(), st[0].LastError)
	assert.False(t, st[0].IsRunning)
	assert.False(t, st[0].LastRunAt.IsZero())
}

func TestTriggerWhileRunningIsRejected(t *testing.T) {
	s := New(zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("sync-quotes", time.Hour, func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Trigger("sync-quotes") }()
	<-started

	// Second trigger must be rejected, not queued.
	assert.ErrorIs(t, s.Trigger("sync-quotes"), ErrTaskBusy)

	st := s.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].IsRunning)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduledOverlapIsSkipped(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	blocking := make(chan struct{})
	require.NoError(t, s.Register("slow", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		<-blocking
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Several intervals elapse while the first run blocks; none of the
	// intervening fires may start a second execution.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	close(blocking)
}

func TestTaskTimerSurvivesErrorsAndPanics(t *testing.T) {
	s := New(zap.NewNop())
	var failing, healthy atomic.Int32
	require.NoError(t, s.Register("failing", 15*time.Millisecond, func(context.Context) error {
		n := failing.Add(1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("still failing")
	}))
	require.NoError(t, s.Register("healthy", 15*time.Millisecond, func(context.Context) error {
		healthy.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return failing.Load() >= 3 && healthy.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, st := range s.Status() {
		switch st.Name {
		case "failing":
			assert.NotEmpty(t, st.LastError)
		case "healthy":
			assert.Empty(t, st.LastError)
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := New(zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestTriggerConcurrentWithStart(t *testing.T) {
	// Trigger must be safe to call while Start is installing the
	// lifecycle context. Meaningful under the race detector.
	s := New(zap.NewNop())
	require.NoError(t, s.Register("job", time.Hour, func(context.Context) error { return nil }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = s.Trigger("job")
		}
	}()
	require.NoError(t, s.Start(context.Background()))
	<-done
	s.Stop()
}

func TestStatusOrderedByName(t *testing.T) {
	s := New(zap.NewNop())
	require.NoError(t, s.Register("b-task", time.Hour, func(context.Context) error { return nil }))
	require.NoError(t, s.Register("a-task", time.Hour, func(context.Context) error { return nil }))

	st := s.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a-task", st[0].Name)
	assert.Equal(t, "b-task", st[1].Name)
}
