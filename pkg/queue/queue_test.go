package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_RunsJobs(t *testing.T) {
	q := New(2, 10, discardLogger())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, q.Enqueue(func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(5), count.Load())
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueue_ShutdownWaitsForInFlight(t *testing.T) {
	q := New(1, 1, discardLogger())

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Enqueue(func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))

	<-started
	require.NoError(t, q.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := New(1, 1, discardLogger())
	require.NoError(t, q.Shutdown(context.Background()))

	assert.ErrorIs(t, q.Enqueue(func(ctx context.Context) {}), ErrClosed)
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	q := New(1, 1, discardLogger())
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	// Occupy the single worker, then fill the single buffer slot.
	require.NoError(t, q.Enqueue(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, q.Enqueue(func(ctx context.Context) {}))

	err := q.Enqueue(func(ctx context.Context) {})
	assert.Error(t, err)
	close(release)
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	q := New(1, 2, discardLogger())

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, q.Enqueue(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, q.Enqueue(func(ctx context.Context) {
		defer wg.Done()
		ran.Store(true)
	}))
	wg.Wait()

	assert.True(t, ran.Load())
	require.NoError(t, q.Shutdown(context.Background()))
}
