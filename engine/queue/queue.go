// Package queue serializes work onto a single goroutine.
//
// The engine runs two of these: the control queue, which owns every session
// and is the only place OS objects are created or destroyed, and the device
// listener queue, which absorbs OS property notifications so they never run
// on the control goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrNotInitialized is returned by a nil or zero Queue.
var ErrNotInitialized = errors.New("queue not initialized")

// Op is a unit of serialized work. It should be quick and non-blocking;
// waits on timers or the OS belong in a goroutine that re-enters the queue.
// It receives a context that is canceled on shutdown.
// It returns an error only for real failures; idempotent no-ops return nil.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function into an Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue runs ops one at a time in submission order.
type Queue struct {
	ch      chan Op
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool

	// OnError receives errors returned by ops submitted with Enqueue.
	// It runs on the queue goroutine.
	OnError func(error)
}

// New creates a queue with a fixed buffer.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel}
}

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				// drain outstanding ops best-effort with short deadline
				drainUntil := time.After(10 * time.Millisecond)
				for {
					select {
					case op := <-q.ch:
						q.apply(op)
					case <-drainUntil:
						return
					default:
						return
					}
				}
			case op := <-q.ch:
				q.apply(op)
			}
		}
	}()
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	if err := op.Apply(q.ctx); err != nil && q.OnError != nil {
		q.OnError(err)
	}
}

// Context is canceled when the queue closes.
func (q *Queue) Context() context.Context {
	return q.ctx
}

// Enqueue adds an operation to the queue.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// RunSync enqueues fn and waits for it to complete, returning its error.
// It must not be called from an op running on the same queue.
func (q *Queue) RunSync(fn Func) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	done := make(chan error, 1)
	if err := q.Enqueue(syncOp{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		// the op may still have run during the drain
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// syncOp reports its result to the waiting caller instead of OnError.
type syncOp struct {
	fn   Func
	done chan error
}

func (s syncOp) Apply(ctx context.Context) error {
	s.done <- s.fn(ctx)
	return nil
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil || q.cancel == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
