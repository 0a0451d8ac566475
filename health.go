package appmixer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/config"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/tap"
)

// PermissionConfirmed reports whether a snapshot proves capture permission:
// the path has run for a while, written output, and seen non-silent input.
// Denied capture delivers zeros, so silence alone never confirms.
func PermissionConfirmed(h tap.HealthSnapshot, p config.Permission) bool {
	if h.CallbackCount <= p.MinCallbacks || h.BytesWritten == 0 {
		return false
	}
	return h.InputHasDataCount > 0 || h.LastInputPeak > p.MinInputPeak
}

// checkHealth compares each idle session against its previous snapshot and
// recreates broken, stalled or frozen ones. Sessions without a path are
// reopened.
func (e *Engine) checkHealth() error {
	if e.recovering.Load() {
		return nil
	}
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil {
			continue
		}
		if !s.Active() {
			e.reopen(pid, s)
			continue
		}
		if s.State().Phase() != tap.PhaseIdle {
			delete(e.lastHealth, pid)
			continue
		}

		cur := s.Snapshot()
		prev, ok := e.lastHealth[pid]
		e.lastHealth[pid] = cur
		if !ok {
			continue
		}

		health := tap.ClassifyHealth(prev, cur)
		frozen := s.FrozenAfterCrossfade(e.cfg.Health.FrozenWindow, e.cfg.Health.FrozenMinCallbacks)
		if health == tap.Healthy && !frozen {
			continue
		}
		e.log.WithFields(logrus.Fields{
			"app":    s.Target().DisplayName(),
			"pid":    pid,
			"health": health.String(),
			"frozen": frozen,
			"before": prev.String(),
			"after":  cur.String(),
		}).Warn("unhealthy tap session, recreating")
		e.repair(pid, s)
	}
	return nil
}

// repair recreates the session in place, or moves it when its device is no
// longer where it should play.
func (e *Engine) repair(pid int, s *tap.Session) {
	delete(e.lastHealth, pid)
	target, err := e.resolveRoute(e.preferencesFor(e.apps[pid]))
	if err != nil {
		e.errorHandler.HandleError(fmt.Errorf("repairing %s: %w", s.Target(), err))
		return
	}
	if target.UID != s.Device().UID {
		e.switchTo(pid, s, target)
		return
	}
	if err := s.Recreate(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("recreating %s: %w", s.Target(), err))
	}
}

func (e *Engine) reopen(pid int, s *tap.Session) {
	target, err := e.resolveRoute(e.preferencesFor(e.apps[pid]))
	if err != nil {
		e.errorHandler.HandleError(fmt.Errorf("reopening %s: %w", s.Target(), err))
		return
	}
	e.switchTo(pid, s, target)
}

// checkPermission promotes every session to exclusive capture once any
// session proves the permission. Confirmation is sticky.
func (e *Engine) checkPermission() error {
	if e.permission.Load() {
		return nil
	}
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil || !s.Active() {
			continue
		}
		if PermissionConfirmed(s.Snapshot(), e.cfg.Permission) {
			e.confirmPermission(s)
			return nil
		}
	}
	return nil
}

func (e *Engine) confirmPermission(by *tap.Session) {
	e.permission.Store(true)
	e.log.WithField("app", by.Target().DisplayName()).Info("capture permission confirmed, muting originals")
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil {
			continue
		}
		if err := s.SetMuteBehavior(hal.ExclusiveCapture); err != nil {
			e.errorHandler.HandleError(fmt.Errorf("promoting %s to exclusive capture: %w", s.Target(), err))
		}
	}
}
