package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrFull is returned by TryPut when the queue has no free slot.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded multi-producer multi-consumer FIFO. Producers either
// block until a slot frees up (Put) or fail fast (TryPut). Consumers block
// until an item arrives or the queue is closed. Closing never drops items
// that were already accepted; consumers can keep draining until empty.
type Queue[T any] struct {
	name string
	ch   chan T

	closeOnce sync.Once
	done      chan struct{}
}

func New[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

func (q *Queue[T]) Name() string { return q.name }
func (q *Queue[T]) Len() int     { return len(q.ch) }
func (q *Queue[T]) Cap() int     { return cap(q.ch) }

// Put blocks until the item is accepted, the context is cancelled, or the
// queue is closed.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut accepts the item only if a slot is free.
func (q *Queue[T]) TryPut(item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Take blocks until an item is available. Once the queue is closed, Take keeps
// returning buffered items until the queue is empty, then ErrClosed.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		// Drain anything accepted before the close.
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops admission. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
