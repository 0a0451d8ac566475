package appmixer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Engine errors.
var (
	ErrAlreadyRunning     = errors.New("engine is already running")
	ErrNotRunning         = errors.New("engine is not running")
	ErrUnknownApplication = errors.New("unknown application")
	ErrUnknownDevice      = errors.New("unknown output device")
	ErrNoOutputDevice     = errors.New("no output device available")
	ErrRecovering         = errors.New("engine is recovering from an audio service restart")
	ErrInvalidMixState    = errors.New("invalid mix state")
)

// ErrorHandler receives errors the engine recovers from on its own:
// creation failures, teardown failures, slow control operations.
type ErrorHandler interface {
	HandleError(error)
}

// LogErrorHandler logs errors with logrus. It is the default.
type LogErrorHandler struct {
	Logger *logrus.Entry
}

// HandleError implements ErrorHandler interface with structured logging
func (h *LogErrorHandler) HandleError(err error) {
	entry := h.Logger
	if entry == nil {
		entry = logrus.WithField("component", "engine")
	}
	entry.WithError(err).Error("engine error")
}

// errorCounter forwards errors to the configured handler and keeps a
// count and the most recent one for Status.
type errorCounter struct {
	next  ErrorHandler
	count atomic.Int64
	mu    sync.Mutex
	last  error
}

func (c *errorCounter) HandleError(err error) {
	if err == nil {
		return
	}
	c.count.Add(1)
	c.mu.Lock()
	c.last = err
	c.mu.Unlock()
	c.next.HandleError(err)
}

func (c *errorCounter) stats() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count.Load(), c.last
}
