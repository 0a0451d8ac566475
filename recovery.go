package appmixer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// serviceRestarted handles an audio-service restart: every OS object the
// sessions hold is gone. Sessions are silenced at once and closed
// asynchronously; after a stabilization delay they are rebuilt from
// preferences. A second restart during the delay starts it over.
func (e *Engine) serviceRestarted() {
	n := e.restarts.Add(1)
	e.recovering.Store(true)
	if e.cancelRecovery != nil {
		e.cancelRecovery()
	}
	e.log.WithFields(logrus.Fields{"restarts": n, "sessions": len(e.sessions)}).Warn("audio service restarted, rebuilding sessions")

	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil {
			continue
		}
		s.ForceSilence()
		go func() {
			// posting from the control goroutine could block on a full queue
			_ = e.dispatcher.post(OpTeardown, func() error {
				s.Close()
				return nil
			})
		}()
	}
	clear(e.sessions)
	clear(e.lastHealth)

	ctx, cancel := context.WithCancel(e.runCtx)
	e.cancelRecovery = cancel
	delay := e.cfg.Recovery.StabilizationDelay
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := e.dispatcher.post(OpRecover, func() error {
			if ctx.Err() != nil {
				return nil
			}
			return e.rebuild()
		})
		if err != nil {
			e.log.WithError(err).Debug("recovery dropped")
		}
	}()
}

// rebuild recreates a session for every known application.
func (e *Engine) rebuild() error {
	if e.cancelRecovery != nil {
		e.cancelRecovery()
		e.cancelRecovery = nil
	}
	e.recovering.Store(false)

	if e.processMonitor != nil {
		if err := e.processMonitor.scan(); err != nil {
			e.errorHandler.HandleError(err)
		}
	}

	var errs []error
	for _, pid := range e.pids() {
		if e.sessions[pid] != nil {
			continue
		}
		if err := e.createSession(e.apps[pid]); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.WithFields(logrus.Fields{"sessions": len(e.sessions), "failed": len(errs)}).Info("sessions rebuilt after service restart")
	return errors.Join(errs...)
}
