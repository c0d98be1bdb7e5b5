// Package workerpool runs batches of independent jobs on a fixed set of
// goroutines. Jobs are grouped in rooms; a room collects the results of
// its own jobs in submission order.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var ErrClosed = errors.New("workerpool: closed")

type Config struct {
	// WorkerCount < 1 means twice the CPU count.
	WorkerCount int
	// GlobalBuffer < 1 means 1024 queued tasks.
	GlobalBuffer int
}

type WorkerPool struct {
	taskQueue chan task
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	// mu guards closed; submitters hold it shared while enqueueing.
	mu     sync.RWMutex
	closed bool
}

type task struct {
	run func()
}

func New(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 2
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}
	wp := &WorkerPool{
		taskQueue: make(chan task, config.GlobalBuffer),
		done:      make(chan struct{}),
	}
	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case t := <-wp.taskQueue:
			t.run()
		case <-wp.done:
			return
		}
	}
}

// Close stops the workers after their current task. Queued tasks of
// open rooms are dropped and their rooms report ErrClosed.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.done)
		wp.mu.Lock()
		wp.closed = true
		wp.mu.Unlock()
		wp.workers.Wait()
		for {
			select {
			case t := <-wp.taskQueue:
				t.run()
			default:
				return
			}
		}
	})
}

// Result is the outcome of one job.
type Result[T any] struct {
	Value T
	Err   error
}

// Room groups jobs whose results are collected together.
type Room[T any] struct {
	wp      *WorkerPool
	mu      sync.Mutex
	results []Result[T]
	wg      sync.WaitGroup
}

// NewRoom opens a room on wp.
func NewRoom[T any](wp *WorkerPool) *Room[T] {
	return &Room[T]{wp: wp}
}

// Submit queues job, blocking while the global queue is full. The job
// receives ctx; a job whose ctx is already done is not run and records
// ctx.Err().
func (ro *Room[T]) Submit(ctx context.Context, job func(context.Context) (T, error)) error { // A
	ro.mu.Lock()
	idx := len(ro.results)
	ro.results = append(ro.results, Result[T]{})
	ro.mu.Unlock()
	ro.wg.Add(1)

	t := task{run: func() {
		defer ro.wg.Done()
		var r Result[T]
		select {
		case <-ro.wp.done:
			r.Err = ErrClosed
		default:
			if err := ctx.Err(); err != nil {
				r.Err = err
			} else {
				r.Value, r.Err = job(ctx)
			}
		}
		ro.mu.Lock()
		ro.results[idx] = r
		ro.mu.Unlock()
	}}

	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		t.run()
		return ErrClosed
	}
	select {
	case ro.wp.taskQueue <- t:
		return nil
	case <-ro.wp.done:
		t.run()
		return ErrClosed
	case <-ctx.Done():
		t.run()
		return ctx.Err()
	}
}

// Collect waits for every submitted job and returns the results in
// submission order.
func (ro *Room[T]) Collect() []Result[T] {
	ro.wg.Wait()
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return append([]Result[T](nil), ro.results...)
}

// Map runs fn over items on wp and returns results in input order.
func Map[In, Out any](
	ctx context.Context,
	wp *WorkerPool,
	items []In,
	fn func(context.Context, In) (Out, error),
) []Result[Out] {
	room := NewRoom[Out](wp)
	for _, item := range items {
		item := item
		_ = room.Submit(ctx, func(ctx context.Context) (Out, error) {
			return fn(ctx, item)
		})
	}
	return room.Collect()
}
