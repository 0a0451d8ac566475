package appmixer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/engine/queue"
)

// OperationType names a control operation for logging and timing.
type OperationType string

const (
	OpApplicationAppeared    OperationType = "application_appeared"
	OpApplicationDisappeared OperationType = "application_disappeared"
	OpProcessScan            OperationType = "process_scan"
	OpSetVolume              OperationType = "set_volume"
	OpSetMuted               OperationType = "set_muted"
	OpSetEQ                  OperationType = "set_eq"
	OpSetRoute               OperationType = "set_route"
	OpQuery                  OperationType = "query"
	OpHealthCheck            OperationType = "health_check"
	OpPermissionCheck        OperationType = "permission_check"
	OpDeviceEvent            OperationType = "device_event"
	OpServiceRestart         OperationType = "service_restart"
	OpRecover                OperationType = "recover"
	OpTeardown               OperationType = "teardown"
	OpSession                OperationType = "session"
	OpShutdown               OperationType = "shutdown"
)

// DefaultOperationBudget is how long a control operation may take before it
// is reported as slow.
const DefaultOperationBudget = 300 * time.Millisecond

// Dispatcher serializes every control operation onto one goroutine. Sessions
// use it as their executor, so their asynchronous continuations are
// serialized with user commands and health checks.
type Dispatcher struct {
	engine *Engine
	buffer int

	mu        sync.RWMutex
	isRunning bool
	q         *queue.Queue

	// Performance tracking
	lastOperationDuration time.Duration
	slowestOperation      time.Duration
	maxOperationDuration  time.Duration
	operations            uint64
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(engine *Engine) *Dispatcher {
	return &Dispatcher{
		engine:               engine,
		buffer:               128,
		maxOperationDuration: DefaultOperationBudget,
	}
}

// Start begins the control goroutine.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	d.q = queue.New(d.buffer)
	d.q.OnError = d.engine.errorHandler.HandleError
	d.q.Start()
	d.isRunning = true
	return nil
}

// Stop halts the control goroutine. Queued operations get a short drain.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	q := d.q
	d.isRunning = false
	d.mu.Unlock()

	q.Close()
	return nil
}

// IsRunning returns whether the dispatcher is active
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetPerformanceStats returns the duration of the last operation and of the
// slowest one so far.
func (d *Dispatcher) GetPerformanceStats() (lastDuration, slowest time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.slowestOperation
}

// Operations returns how many operations have completed.
func (d *Dispatcher) Operations() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.operations
}

func (d *Dispatcher) queue() (*queue.Queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.isRunning {
		return nil, ErrNotRunning
	}
	return d.q, nil
}

// run executes fn on the control goroutine and waits for it. It must not be
// called from the control goroutine.
func (d *Dispatcher) run(op OperationType, fn func() error) error {
	q, err := d.queue()
	if err != nil {
		return err
	}
	return q.RunSync(d.timed(op, func(context.Context) error { return fn() }))
}

// post queues fn without waiting. Errors go to the engine's error handler.
func (d *Dispatcher) post(op OperationType, fn func() error) error {
	q, err := d.queue()
	if err != nil {
		return err
	}
	return q.Enqueue(d.timed(op, func(context.Context) error { return fn() }))
}

// Enqueue lets sessions schedule their continuations.
func (d *Dispatcher) Enqueue(op queue.Op) error {
	q, err := d.queue()
	if err != nil {
		return err
	}
	return q.Enqueue(d.timed(OpSession, op.Apply))
}

func (d *Dispatcher) timed(op OperationType, fn queue.Func) queue.Func {
	return func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		d.mu.Lock()
		d.lastOperationDuration = duration
		d.operations++
		if duration > d.slowestOperation {
			d.slowestOperation = duration
		}
		budget := d.maxOperationDuration
		d.mu.Unlock()

		if duration > budget {
			d.engine.errorHandler.HandleError(
				fmt.Errorf("%s took %v, target is sub-%v", op, duration, budget))
		}
		if err != nil {
			d.engine.log.WithError(err).WithFields(logrus.Fields{
				"op":       string(op),
				"duration": duration,
			}).Debug("control operation failed")
		}
		return err
	}
}
