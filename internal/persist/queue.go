// Package persist runs durable writes behind the in-memory state. Jobs for the
// same project run one at a time in submission order; different projects are
// spread over independent workers.
package persist

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("persist queue closed")

type job struct {
	projectID string
	op        string
	run       func(ctx context.Context) error
	barrier   chan struct{}
}

type Queue struct {
	workers []chan job
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	failures  atomic.Int64
	completed atomic.Int64
}

// NewQueue starts workers goroutines. Each job gets timeout to finish.
func NewQueue(workers int, timeout time.Duration, logger zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	q := &Queue{
		workers: make([]chan job, workers),
		timeout: timeout,
		logger:  logger,
	}
	for i := range q.workers {
		q.workers[i] = make(chan job, 1024)
		q.wg.Add(1)
		go q.work(q.workers[i])
	}
	return q
}

// Enqueue schedules fn for projectID and returns immediately. Failures are
// logged and counted; they never reach the caller.
func (q *Queue) Enqueue(projectID, op string, fn func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.workers[q.slot(projectID)] <- job{projectID: projectID, op: op, run: fn}
	return nil
}

// Flush waits until every job enqueued before the call has finished.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	barriers := make([]chan struct{}, len(q.workers))
	for i, worker := range q.workers {
		barriers[i] = make(chan struct{})
		worker <- job{barrier: barriers[i]}
	}
	q.mu.RUnlock()

	for _, barrier := range barriers {
		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting jobs, drains the ones already queued and waits for the
// workers or ctx, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, worker := range q.workers {
		close(worker)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Failures() int64 {
	return q.failures.Load()
}

func (q *Queue) Completed() int64 {
	return q.completed.Load()
}

func (q *Queue) slot(projectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(len(q.workers)))
}

func (q *Queue) work(jobs <-chan job) {
	defer q.wg.Done()
	for j := range jobs {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	started := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("persist job panicked")
				q.logger.Error().Interface("panic", r).Str("op", j.op).Msg("persist job panicked")
			}
		}()
		return j.run(ctx)
	}()
	if err != nil {
		q.failures.Add(1)
		q.logger.Error().
			Err(err).
			Str("project_id", j.projectID).
			Str("op", j.op).
			Dur("duration", time.Since(started)).
			Msg("persist failed")
		return
	}
	q.completed.Add(1)
}
