package appmixer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/prefs"
	"github.com/shaban/appmixer/tap"
)

// Everything in this file runs on the control goroutine.

func (e *Engine) applicationAppeared(app Application) error {
	if _, ok := e.apps[app.PID]; ok {
		e.apps[app.PID] = app
		return nil
	}
	e.apps[app.PID] = app
	e.log.WithFields(logrus.Fields{"app": app.Name, "pid": app.PID, "bundle": app.BundleID}).Info("application appeared")
	if e.recovering.Load() {
		return nil
	}
	return e.createSession(app)
}

func (e *Engine) applicationDisappeared(pid int) {
	if s := e.sessions[pid]; s != nil {
		s.Close()
	}
	delete(e.sessions, pid)
	delete(e.lastHealth, pid)
	if app, ok := e.apps[pid]; ok {
		e.log.WithFields(logrus.Fields{"app": app.Name, "pid": pid}).Info("application disappeared")
	}
	delete(e.apps, pid)
}

// createSession builds the session for app from its preferences. The
// session is kept even when the path cannot be opened; the health check
// retries it.
func (e *Engine) createSession(app Application) error {
	p := e.preferencesFor(app)
	s := tap.New(app.target(), e.sys, e.dispatcher, e.cfg.Session(), tap.Options{
		Volume:   p.Volume,
		Muted:    p.Muted,
		EQ:       p.EQ,
		Mute:     e.muteBehavior(),
		OnSwitch: e.switchReported(app.PID),
	})
	e.sessions[app.PID] = s

	device, err := e.resolveRoute(p)
	if err != nil {
		return fmt.Errorf("routing %s: %w", app.target(), err)
	}
	return s.Open(device)
}

func (e *Engine) preferencesFor(app Application) prefs.App {
	key := app.PersistenceKey()
	if p, ok := e.prefs.Load(key); ok {
		return p
	}
	if seeded, ok := e.cfg.Apps[key]; ok {
		return prefs.Seed(e.cfg, seeded)
	}
	return prefs.App{Volume: e.cfg.Volume.Default}
}

func (e *Engine) updatePrefs(app Application, fn func(*prefs.App)) {
	p := e.preferencesFor(app)
	fn(&p)
	if err := e.prefs.Save(app.PersistenceKey(), p); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("saving preferences for %s: %w", app.PersistenceKey(), err))
	}
}

// resolveRoute picks the preferred device when it is connected, then the
// system default, then any physical output.
func (e *Engine) resolveRoute(p prefs.App) (devices.Descriptor, error) {
	if !p.FollowsDefault() {
		if d, ok := e.catalog.Output(p.DeviceUID); ok {
			return d, nil
		}
	}
	if d, ok := e.catalog.Output(e.catalog.DefaultUID(hal.DefaultOutput)); ok {
		return d, nil
	}
	if outs := e.catalog.Outputs().Physical(); len(outs) > 0 {
		return outs[0], nil
	}
	return devices.Descriptor{}, ErrNoOutputDevice
}

func (e *Engine) muteBehavior() hal.MuteBehavior {
	if e.permission.Load() {
		return hal.ExclusiveCapture
	}
	return hal.PassThrough
}

func (e *Engine) switchReported(pid int) func(tap.SwitchResult) {
	return func(r tap.SwitchResult) {
		delete(e.lastHealth, pid)
		entry := e.log.WithFields(logrus.Fields{
			"pid":         pid,
			"device":      r.Device.UID,
			"destructive": r.Destructive,
		})
		if r.Err != nil {
			e.errorHandler.HandleError(fmt.Errorf("switching pid %d to %q: %w", pid, r.Device.UID, r.Err))
			return
		}
		entry.Info("device switch complete")
	}
}

// switchTo moves the session of pid and reports failures.
func (e *Engine) switchTo(pid int, s *tap.Session, device devices.Descriptor) bool {
	delete(e.lastHealth, pid)
	if err := s.SwitchDevice(device); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("switching %s to %q: %w", s.Target(), device.UID, err))
		return false
	}
	return true
}

// ---------------------------------------------------------------------
// Device events

func (e *Engine) deviceDisconnected(d devices.Descriptor) {
	if !d.CanOutput() {
		return
	}
	moved := 0
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil || s.Device().UID != d.UID {
			continue
		}
		// the preference is kept so the app returns on reconnect
		target, err := e.resolveRoute(prefs.App{})
		if err != nil {
			e.errorHandler.HandleError(fmt.Errorf("moving %s off %q: %w", s.Target(), d.UID, err))
			continue
		}
		if e.switchTo(pid, s, target) {
			moved++
		}
	}
	e.log.WithFields(logrus.Fields{"device": d.UID, "moved": moved}).Info("output device disconnected")
	e.notifier.DeviceDisconnected(DeviceNotice{Name: d.Name, UID: d.UID, RoutingChanged: moved > 0})
}

func (e *Engine) deviceConnected(d devices.Descriptor) {
	if !d.CanOutput() {
		return
	}
	reconnected := e.seen[d.UID]
	e.seen[d.UID] = true

	moved := 0
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil || e.preferencesFor(e.apps[pid]).DeviceUID != d.UID {
			continue
		}
		if s.Active() && s.Device().UID == d.UID {
			continue
		}
		if e.switchTo(pid, s, d) {
			moved++
		}
	}
	e.log.WithFields(logrus.Fields{"device": d.UID, "moved": moved, "reconnected": reconnected}).Info("output device connected")
	if reconnected || moved > 0 {
		e.notifier.DeviceReconnected(DeviceNotice{Name: d.Name, UID: d.UID, Connected: true, RoutingChanged: moved > 0})
	}
}

// defaultChanged moves every application that follows the default, or whose
// preferred device is absent, to the new default output.
func (e *Engine) defaultChanged(role hal.DefaultRole, before, after string) {
	if role != hal.DefaultOutput {
		return
	}
	d, ok := e.catalog.Output(after)
	if !ok {
		return
	}
	e.log.WithFields(logrus.Fields{"before": before, "after": after}).Info("default output changed")
	for _, pid := range e.pids() {
		s := e.sessions[pid]
		if s == nil || s.Device().UID == after {
			continue
		}
		p := e.preferencesFor(e.apps[pid])
		if !p.FollowsDefault() {
			if _, present := e.catalog.Output(p.DeviceUID); present {
				continue
			}
		}
		e.switchTo(pid, s, d)
	}
}

// shutdown closes every session.
func (e *Engine) shutdown() error {
	if e.cancelRecovery != nil {
		e.cancelRecovery()
		e.cancelRecovery = nil
	}
	for _, pid := range e.pids() {
		if s := e.sessions[pid]; s != nil {
			s.Close()
		}
	}
	clear(e.sessions)
	clear(e.lastHealth)
	clear(e.apps)
	return nil
}

// applyPrefs replaces every preference of pid at once.
func (e *Engine) applyPrefs(pid int, p prefs.App) error {
	app := e.apps[pid]
	p.Volume = clampVolume(p.Volume)
	p.EQ = p.EQ.Clamped()
	if err := e.prefs.Save(app.PersistenceKey(), p); err != nil {
		return err
	}
	s := e.sessions[pid]
	if s == nil {
		return nil
	}
	s.SetVolume(p.Volume)
	s.SetMuted(p.Muted)
	s.SetEQ(p.EQ)
	device, err := e.resolveRoute(p)
	if err != nil {
		return err
	}
	if s.Active() && s.Device().UID == device.UID {
		return nil
	}
	delete(e.lastHealth, pid)
	return s.SwitchDevice(device)
}
