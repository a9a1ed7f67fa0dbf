package store

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations submitted after Close.
var ErrClosed = errors.New("store closed")

type mutation struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// mutationQueue runs submitted mutations one at a time, in submission order.
type mutationQueue struct {
	jobs      chan mutation
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newMutationQueue(buffer int) *mutationQueue {
	if buffer < 1 {
		buffer = 1
	}
	q := &mutationQueue{
		jobs: make(chan mutation, buffer),
		stop: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *mutationQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case m := <-q.jobs:
			if err := m.ctx.Err(); err != nil {
				m.done <- err
				continue
			}
			m.done <- m.fn(m.ctx)
		}
	}
}

// submit enqueues fn and blocks until it has run. A mutation that has started
// always runs to completion.
func (q *mutationQueue) submit(ctx context.Context, fn func(context.Context) error) error {
	m := mutation{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-q.stop:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrClosed
	}
	select {
	case err := <-m.done:
		return err
	case <-q.stop:
		// the worker finishes its current mutation before exiting
		q.wg.Wait()
		select {
		case err := <-m.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (q *mutationQueue) close() {
	q.closeOnce.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
}
