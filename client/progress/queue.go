package progress

import (
	"context"
	"sync"
)

type operation struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error
}

// queue runs one user's operations one at a time in submission order.
// A worker goroutine exists only while operations are pending.
type queue struct {
	mu      sync.Mutex
	pending []*operation
	active  bool
	closed  bool

	// idle is closed when the worker exits
	idle chan struct{}
}

// submit enqueues run and waits for its result. If ctx ends while the
// operation is still queued, it is skipped when its turn comes.
func (q *queue) submit(ctx context.Context, run func(context.Context) error) error {
	op := &operation{ctx: ctx, run: run, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSignedOut
	}
	q.pending = append(q.pending, op)
	if !q.active {
		q.active = true
		q.idle = make(chan struct{})
		go q.work()
	}
	q.mu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) work() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		op := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := op.ctx.Err(); err != nil {
			op.done <- err
			continue
		}
		op.done <- op.run(op.ctx)
	}
}

// close stops accepting operations. With drain, queued operations still run;
// otherwise they fail with ErrSignedOut without being started. Either way
// close waits for the worker to finish, so no operation is cut off midway.
func (q *queue) close(ctx context.Context, drain bool) error {
	q.mu.Lock()
	q.closed = true
	var dropped []*operation
	if !drain {
		dropped = q.pending
		q.pending = nil
	}
	active, idle := q.active, q.idle
	q.mu.Unlock()

	for _, op := range dropped {
		op.done <- ErrSignedOut
	}

	if !active {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
