// Package queue is a small in-process job queue with a bounded worker pool.
// It exists so large import commits can leave the request path; the client
// is constructed explicitly and injected, never reached through a global.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Job is a unit of background work.
type Job func(ctx context.Context)

// Queue runs jobs on a fixed pool of workers.
type Queue struct {
	jobs   chan Job
	logger *slog.Logger

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// New starts workers goroutines draining the queue. buffer bounds how many
// jobs may wait before Enqueue rejects.
func New(workers, buffer int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:     make(chan Job, buffer),
		logger:   logger,
		baseCtx:  ctx,
		cancelFn: cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("background job panicked", slog.Any("panic", r))
				}
			}()
			job(q.baseCtx)
		}()
	}
}

// Enqueue submits a job. It fails instead of blocking when the buffer is
// full or the queue is shut down.
func (q *Queue) Enqueue(job Job) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return errors.New("queue full")
	}
}

// Shutdown stops accepting jobs and waits for in-flight work, up to the
// context deadline. Jobs started before Shutdown run to completion; their
// context is only cancelled when the deadline expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelFn()
		return nil
	case <-ctx.Done():
		q.cancelFn()
		return ctx.Err()
	}
}
