package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcessWorkerRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	exec := func(ctx context.Context, envelopeID string) (bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return true, errors.New("ETIMEDOUT")
		}
		return false, nil
	}

	w := NewInProcessWorker(Options{Concurrency: 1, MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffCoefficient: 1.0}, exec, nil)
	w.sleep = func(time.Duration) {}
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, w.Enqueue(ctx, Job{EnvelopeID: "env_1"}))
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(w.Attempts()) == 2
	}, time.Second, time.Millisecond)

	cancel()
	w.Stop()
	require.Empty(t, w.DeadLetters())
}

func TestInProcessWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	exec := func(ctx context.Context, envelopeID string) (bool, error) {
		return true, errors.New("ECONNREFUSED")
	}

	w := NewInProcessWorker(Options{Concurrency: 1, MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffCoefficient: 1.0}, exec, nil)
	w.sleep = func(time.Duration) {}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, w.Enqueue(ctx, Job{EnvelopeID: "env_2"}))

	require.Eventually(t, func() bool {
		return len(w.DeadLetters()) == 1
	}, time.Second, time.Millisecond)

	w.Stop()
	require.Len(t, w.Attempts(), 3)
}

func TestInProcessWorkerDoesNotRetryTerminalFailure(t *testing.T) {
	var calls int32
	exec := func(ctx context.Context, envelopeID string) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return false, errors.New("validation failed")
	}

	w := NewInProcessWorker(Options{Concurrency: 1, MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffCoefficient: 1.0}, exec, nil)
	w.sleep = func(time.Duration) {}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, w.Enqueue(ctx, Job{EnvelopeID: "env_3"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, time.Millisecond)

	w.Stop()
	require.Empty(t, w.DeadLetters())
}

func TestStopDrainsInFlightJobBeforeReturning(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	exec := func(ctx context.Context, envelopeID string) (bool, error) {
		close(started)
		<-proceed
		return false, nil
	}

	w := NewInProcessWorker(Options{Concurrency: 1, MaxAttempts: 1}, exec, nil)
	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, w.Enqueue(ctx, Job{EnvelopeID: "env_4"}))

	<-started
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	<-stopped
}
