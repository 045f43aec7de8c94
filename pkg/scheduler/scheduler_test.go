package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestScheduler_RunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)

	s := New(quietLogger(), time.Hour, func(context.Context) error {
		ran <- struct{}{}

		return nil
	})

	require.NoError(t, s.Start(context.Background()))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run immediately")
	}

	require.NoError(t, s.Stop())
}

func TestScheduler_RepeatsAfterErrors(t *testing.T) {
	var calls atomic.Int32

	s := New(quietLogger(), 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)

		return errors.New("transient")
	})

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
}

func TestScheduler_StopCancelsCycle(t *testing.T) {
	started := make(chan struct{})

	var cancelled atomic.Bool

	s := New(quietLogger(), time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)

		return ctx.Err()
	})

	require.NoError(t, s.Start(context.Background()))
	<-started

	require.NoError(t, s.Stop())
	assert.True(t, cancelled.Load())

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestScheduler_ParentContext(t *testing.T) {
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())

	s := New(quietLogger(), time.Hour, func(context.Context) error {
		calls.Add(1)

		return nil
	})

	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), calls.Load())
}
