// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by the timed variants when the wait bound elapses.
	ErrTimeout = errors.New("queue wait timed out")

	// ErrClosed is returned by blocking operations once the queue is closed.
	ErrClosed = errors.New("queue closed")
)

// Queue is a thread-safe FIFO with a hard capacity.
// Put blocks while the queue is full and Take blocks while it is empty.
// A single mutex guards the ring buffer with two conditions: notFull and notEmpty.
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf    []T
	head   int
	count  int
	closed bool
}

// New creates a queue holding at most capacity elements.
// Capacities below 1 are raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		buf: make([]T, capacity),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put appends v at the tail, blocking while the queue is full.
// If ctx is cancelled or the queue is closed before space frees up,
// the element is not enqueued and the error is returned.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if err := q.wait(ctx, q.notFull, q.full); err != nil {
		return err
	}

	q.push(v)
	q.notEmpty.Signal()
	return nil
}

// Take removes and returns the head, blocking while the queue is empty.
// After Close, remaining elements are still returned until the queue is empty.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wait(ctx, q.notEmpty, q.empty); err != nil {
		var zero T
		return zero, err
	}

	v := q.pop()
	q.notFull.Signal()
	return v, nil
}

// PutTimeout is Put bounded by d. It returns ErrTimeout if no space freed up in time.
func (q *Queue[T]) PutTimeout(v T, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return timeoutErr(q.Put(ctx, v))
}

// TakeTimeout is Take bounded by d. It returns ErrTimeout if nothing arrived in time.
func (q *Queue[T]) TakeTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	v, err := q.Take(ctx)
	return v, timeoutErr(err)
}

// Offer appends v if there is space and reports whether it did.
func (q *Queue[T]) Offer(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.full() {
		return false
	}
	q.push(v)
	q.notEmpty.Signal()
	return true
}

// Poll removes and returns the head, or reports false if the queue is empty.
func (q *Queue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.empty() {
		var zero T
		return zero, false
	}
	v := q.pop()
	q.notFull.Signal()
	return v, true
}

// Peek returns the head without removing it, or reports false if the queue is empty.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.empty() {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// DrainTo moves up to limit elements (all of them if limit <= 0) into sink
// in a single critical section and returns how many were moved.
func (q *Queue[T]) DrainTo(sink *[]T, limit int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		*sink = append(*sink, q.pop())
	}
	if n > 0 {
		q.notFull.Broadcast()
	}
	return n
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// RemainingCapacity returns how many more elements fit without blocking.
func (q *Queue[T]) RemainingCapacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.count
}

// Close wakes every blocked caller. Later Puts fail with ErrClosed and
// Takes fail with ErrClosed once the remaining elements are consumed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// wait blocks on cond while blocked() holds. Must be called with q.mu held.
func (q *Queue[T]) wait(ctx context.Context, cond *sync.Cond, blocked func() bool) error {
	if !blocked() {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		cond.Broadcast()
	})
	defer stop()

	for blocked() {
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cond.Wait()
	}
	return nil
}

func (q *Queue[T]) full() bool  { return q.count == len(q.buf) }
func (q *Queue[T]) empty() bool { return q.count == 0 }

func (q *Queue[T]) push(v T) {
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
}

func (q *Queue[T]) pop() T {
	var zero T
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
