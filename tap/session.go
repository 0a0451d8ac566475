// Package tap owns the capture path of one application: a process tap, a
// private aggregate device that plays the processed audio on the chosen
// output, and the real-time callback between them.
//
// A Session is confined to the control goroutine. Every method must be
// called from an op running on the Executor the session was created with;
// waits (warm-up, crossfade) happen on helper goroutines that re-enter the
// executor before touching session state.
package tap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/engine/queue"
	"github.com/shaban/appmixer/hal"
)

// MaxVolume is the largest accepted volume; above 1.0 the limiter engages.
const MaxVolume = 2.0

// Target identifies the application a session captures.
type Target struct {
	PID      int
	BundleID string
	Name     string
}

// DisplayName prefers the application name over the bundle id.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	if t.BundleID != "" {
		return t.BundleID
	}
	return fmt.Sprintf("pid %d", t.PID)
}

func (t Target) String() string {
	return fmt.Sprintf("%s[%d]", t.DisplayName(), t.PID)
}

// Executor runs ops on the control goroutine.
type Executor interface {
	Enqueue(op queue.Op) error
}

// Config tunes device switching.
type Config struct {
	RampTime          time.Duration
	WarmupTimeout     time.Duration
	CrossfadeDuration time.Duration
	CrossfadeTimeout  time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the stock switching parameters.
func DefaultConfig() Config {
	return Config{
		RampTime:          30 * time.Millisecond,
		WarmupTimeout:     500 * time.Millisecond,
		CrossfadeDuration: 50 * time.Millisecond,
		CrossfadeTimeout:  time.Second,
		PollInterval:      5 * time.Millisecond,
	}
}

// SwitchResult is reported once a device switch settles.
type SwitchResult struct {
	Device      devices.Descriptor
	Destructive bool
	Err         error
}

// Session is the one capture path owner for one application.
type Session struct {
	target Target
	sys    hal.System
	exec   Executor
	cfg    Config
	log    *logrus.Entry

	// control → RT
	volume atomic.Uint32
	muted  atomic.Bool

	eq      dsp.EQSettings
	mute    hal.MuteBehavior
	device  devices.Descriptor
	primary *path
	state   CrossfadeState
	closed  bool

	switchCtx    context.Context
	cancelSwitch context.CancelFunc
	onSwitch     func(SwitchResult)

	lastCrossfade     time.Time
	crossfadeBaseline HealthSnapshot
	inputBeforeSwitch bool
}

// Options seed a new session.
type Options struct {
	Volume float32
	Muted  bool
	EQ     dsp.EQSettings
	Mute   hal.MuteBehavior

	// OnSwitch is called on the control goroutine when an asynchronous
	// device switch finishes.
	OnSwitch func(SwitchResult)
}

// New creates a session without any OS objects. Call Open to start audio.
func New(target Target, sys hal.System, exec Executor, cfg Config, opts Options) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	s := &Session{
		target:   target,
		sys:      sys,
		exec:     exec,
		cfg:      cfg,
		eq:       opts.EQ.Clamped(),
		mute:     opts.Mute,
		state:    Idle{},
		onSwitch: opts.OnSwitch,
		log: logrus.WithFields(logrus.Fields{
			"component": "tap-session",
			"app":       target.DisplayName(),
			"pid":       target.PID,
		}),
	}
	s.setVolume(opts.Volume)
	s.muted.Store(opts.Muted)
	return s
}

// Target returns the captured application.
func (s *Session) Target() Target { return s.target }

// Open creates the primary path on device.
func (s *Session) Open(device devices.Descriptor) error {
	if s.closed {
		return ErrClosed
	}
	s.device = device
	if s.primary != nil {
		return nil
	}
	p, err := s.openPath(device, s.mute)
	if err != nil {
		return err
	}
	s.primary = p
	return nil
}

// Active reports whether a primary path is running.
func (s *Session) Active() bool {
	return s.primary != nil && !s.closed
}

// Device returns the device the session is routed (or being routed) to.
func (s *Session) Device() devices.Descriptor {
	return s.device
}

// ---------------------------------------------------------------------
// Control → RT parameters

func (s *Session) setVolume(v float32) {
	if math.IsNaN(float64(v)) || v < 0 {
		v = 0
	}
	if v > MaxVolume {
		v = MaxVolume
	}
	s.volume.Store(math.Float32bits(v))
}

// SetVolume sets the target linear volume in [0, MaxVolume]. The audio
// thread ramps towards it.
func (s *Session) SetVolume(v float32) {
	s.setVolume(v)
}

// Volume returns the target volume.
func (s *Session) Volume() float32 {
	return math.Float32frombits(s.volume.Load())
}

// SetMuted mutes or unmutes; muting ramps to silence.
func (s *Session) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Muted reports the mute flag.
func (s *Session) Muted() bool {
	return s.muted.Load()
}

// targetGain is read by the audio thread once per buffer.
func (s *Session) targetGain() float32 {
	if s.muted.Load() {
		return 0
	}
	return math.Float32frombits(s.volume.Load())
}

// SetEQ applies new equalizer settings to every live path.
func (s *Session) SetEQ(settings dsp.EQSettings) {
	s.eq = settings.Clamped()
	for _, p := range s.paths() {
		p.eq.Update(s.eq)
	}
}

// EQ returns the current (clamped) settings.
func (s *Session) EQ() dsp.EQSettings {
	return s.eq
}

// PreampScalar returns the pre-EQ compensation currently published.
func (s *Session) PreampScalar() float32 {
	if s.primary == nil {
		return float32(dsp.PreampScalar(s.eq.Gains))
	}
	return s.primary.eq.PreampScalar()
}

// paths returns every live path: primary plus a warming or fading secondary.
func (s *Session) paths() []*path {
	var out []*path
	if s.primary != nil {
		out = append(out, s.primary)
	}
	switch st := s.state.(type) {
	case WarmingUp:
		out = append(out, st.secondary)
	case Crossfading:
		out = append(out, st.secondary)
	}
	return out
}

// ---------------------------------------------------------------------
// Mute behaviour

// MuteBehavior returns the behaviour new paths are created with.
func (s *Session) MuteBehavior() hal.MuteBehavior {
	return s.mute
}

// SetMuteBehavior reconfigures the primary tap in place. If the OS refuses
// the live change the primary is recreated with the new behaviour.
// A secondary in flight adopts it when it is promoted.
func (s *Session) SetMuteBehavior(m hal.MuteBehavior) error {
	if s.closed {
		return ErrClosed
	}
	s.mute = m
	if s.primary == nil || s.primary.mute == m {
		return nil
	}
	if err := s.sys.SetTapMuteBehavior(s.primary.tapID, m); err != nil {
		s.log.WithError(err).WithField("mute", m.String()).Warn("live tap reconfiguration failed, recreating")
		return s.Recreate()
	}
	s.primary.mute = m
	s.log.WithField("mute", m.String()).Info("tap mute behaviour changed")
	return nil
}

// ---------------------------------------------------------------------
// Diagnostics

// Snapshot samples the primary path's counters.
func (s *Session) Snapshot() HealthSnapshot {
	if s.primary == nil {
		return HealthSnapshot{}
	}
	return s.primary.snapshot()
}

// Peak returns the last output peak of the primary path, for metering.
func (s *Session) Peak() float32 {
	if s.primary == nil {
		return 0
	}
	return math.Float32frombits(s.primary.outputPeak.Load())
}

// State returns the crossfade state.
func (s *Session) State() CrossfadeState {
	return s.state
}

// RecentlyCrossfaded reports whether a crossfade finished within window.
func (s *Session) RecentlyCrossfaded(window time.Duration) bool {
	return !s.lastCrossfade.IsZero() && time.Since(s.lastCrossfade) <= window
}

// FrozenAfterCrossfade reports a primary whose input stopped after it took
// over from a crossfade within window, although input was flowing before
// the switch.
func (s *Session) FrozenAfterCrossfade(window time.Duration, minCallbacks uint64) bool {
	if !s.inputBeforeSwitch || !s.RecentlyCrossfaded(window) {
		return false
	}
	return PostCrossfadeFrozen(s.crossfadeBaseline, s.Snapshot(), minCallbacks)
}

// ForceSilence makes every live path output silence immediately.
func (s *Session) ForceSilence() {
	for _, p := range s.paths() {
		p.silenced.Store(true)
	}
	if td, ok := s.state.(TearingDown); ok {
		td.oldPrimary.silenced.Store(true)
	}
}

// ---------------------------------------------------------------------
// Device switching

// SwitchDevice moves the session to device. With a running primary this
// starts a crossfade and returns immediately; the result is reported through
// Options.OnSwitch. Without one the path is opened directly. A switch already
// in flight is cancelled first.
func (s *Session) SwitchDevice(device devices.Descriptor) error {
	if s.closed {
		return ErrClosed
	}
	s.cancelInFlight()

	if s.primary == nil {
		s.device = device
		if err := s.Open(device); err != nil {
			return err
		}
		s.report(SwitchResult{Device: device, Destructive: true})
		return nil
	}
	if s.primary.device.UID == device.UID && !s.primary.silenced.Load() {
		s.device = device
		return nil
	}

	s.device = device
	s.inputBeforeSwitch = s.primary.inputData.Load() > 0

	secondary, err := s.openPath(device, hal.PassThrough)
	if err != nil {
		s.log.WithError(err).WithField("device", device.UID).Warn("secondary path failed, switching destructively")
		return s.switchDestructive(device)
	}
	clock := dsp.NewCrossfade(s.cfg.CrossfadeDuration, secondary.sampleRate)
	secondary.fade.Store(&fade{clock: clock, incoming: true})
	if err := s.transition(WarmingUp{secondary: secondary}); err != nil {
		s.closePath(secondary)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.switchCtx, s.cancelSwitch = ctx, cancel
	s.log.WithFields(logrus.Fields{
		"from": s.primary.device.UID,
		"to":   device.UID,
	}).Info("device switch started")

	go s.awaitWarmup(ctx, secondary, clock)
	return nil
}

// awaitWarmup runs off the control goroutine.
func (s *Session) awaitWarmup(ctx context.Context, secondary *path, clock *dsp.Crossfade) {
	ok := s.poll(ctx, s.cfg.WarmupTimeout, secondary.ready)
	s.enqueue(ctx, func() {
		if !ok {
			s.abortSwitch(fmt.Errorf("%w on %q after %v", ErrWarmupFailed, secondary.device.UID, s.cfg.WarmupTimeout))
			return
		}
		s.beginCrossfade(ctx, secondary, clock)
	})
}

func (s *Session) beginCrossfade(ctx context.Context, secondary *path, clock *dsp.Crossfade) {
	if err := s.transition(Crossfading{primary: s.primary, secondary: secondary, clock: clock}); err != nil {
		s.log.WithError(err).Error("cannot start crossfade")
		return
	}
	s.primary.fade.Store(&fade{clock: clock})
	clock.Arm()
	go s.awaitCrossfade(ctx, secondary, clock)
}

// awaitCrossfade runs off the control goroutine.
func (s *Session) awaitCrossfade(ctx context.Context, secondary *path, clock *dsp.Crossfade) {
	ok := s.poll(ctx, s.cfg.CrossfadeTimeout, clock.Complete)
	s.enqueue(ctx, func() {
		if !ok {
			s.abortSwitch(fmt.Errorf("%w at progress %.2f", ErrCrossfadeStalled, clock.Progress()))
			return
		}
		s.finishCrossfade(secondary)
	})
}

// finishCrossfade promotes the secondary and schedules the old primary's
// destruction.
func (s *Session) finishCrossfade(secondary *path) {
	old := s.primary
	if err := s.transition(TearingDown{oldPrimary: old}); err != nil {
		s.log.WithError(err).Error("cannot finish crossfade")
		return
	}

	s.primary = secondary
	secondary.fade.Store(nil)
	old.silenced.Store(true)
	old.fade.Store(nil)
	s.releaseSwitch()

	if s.mute != secondary.mute {
		if err := s.sys.SetTapMuteBehavior(secondary.tapID, s.mute); err != nil {
			s.log.WithError(err).Warn("promoting new primary failed, recreating")
			s.closePath(old)
			_ = s.transition(Idle{})
			s.recreateOn(secondary.device, true)
			return
		}
		secondary.mute = s.mute
	}

	s.lastCrossfade = time.Now()
	s.crossfadeBaseline = secondary.snapshot()
	s.log.WithFields(logrus.Fields{
		"from": old.device.UID,
		"to":   secondary.device.UID,
	}).Info("crossfade complete")

	// destruction runs as its own op; the old path is already silent
	go func() {
		err := s.exec.Enqueue(queue.Func(func(context.Context) error {
			s.finishTeardown(old)
			return nil
		}))
		if err != nil {
			s.log.WithError(err).Debug("teardown not scheduled")
		}
	}()
	s.report(SwitchResult{Device: secondary.device})
}

// finishTeardown destroys the old primary and returns to idle. It is a no-op
// if a later operation already completed the teardown.
func (s *Session) finishTeardown(old *path) {
	td, ok := s.state.(TearingDown)
	if !ok || td.oldPrimary != old {
		s.closePath(old)
		return
	}
	s.closePath(old)
	if err := s.transition(Idle{}); err != nil {
		s.log.WithError(err).Error("cannot leave teardown")
	}
}

// abortSwitch returns to idle from a failed warm-up or crossfade and falls
// back to a destructive switch.
func (s *Session) abortSwitch(cause error) {
	device := s.device
	s.log.WithError(cause).WithField("device", device.UID).Warn("crossfade aborted, switching destructively")
	s.abortInFlight()
	if err := s.switchDestructive(device); err != nil {
		s.log.WithError(err).Error("destructive switch failed")
	}
}

// abortInFlight drops a secondary path and returns to idle. A pending
// teardown is completed instead.
func (s *Session) abortInFlight() {
	switch st := s.state.(type) {
	case WarmingUp:
		s.closePath(st.secondary)
		_ = s.transition(Idle{})
	case Crossfading:
		st.primary.fade.Store(nil)
		s.closePath(st.secondary)
		_ = s.transition(Idle{})
	case TearingDown:
		s.finishTeardown(st.oldPrimary)
	}
}

func (s *Session) cancelInFlight() {
	s.releaseSwitch()
	s.abortInFlight()
}

// releaseSwitch cancels the context of the current switch continuations.
func (s *Session) releaseSwitch() {
	if s.cancelSwitch != nil {
		s.cancelSwitch()
	}
	s.switchCtx, s.cancelSwitch = nil, nil
}

// switchDestructive silences and destroys the primary, then creates a new
// one on device. Audible gap.
func (s *Session) switchDestructive(device devices.Descriptor) error {
	s.device = device
	err := s.recreateOn(device, false)
	s.report(SwitchResult{Device: device, Destructive: true, Err: err})
	return err
}

func (s *Session) recreateOn(device devices.Descriptor, report bool) error {
	if s.primary != nil {
		s.primary.silenced.Store(true)
		s.closePath(s.primary)
		s.primary = nil
	}
	p, err := s.openPath(device, s.mute)
	if err != nil {
		if report {
			s.report(SwitchResult{Device: device, Destructive: true, Err: err})
		}
		return err
	}
	s.primary = p
	if report {
		s.report(SwitchResult{Device: device, Destructive: true})
	}
	return nil
}

// Recreate replaces the primary path on the current device, cancelling any
// switch in flight. Used for health recovery.
func (s *Session) Recreate() error {
	if s.closed {
		return ErrClosed
	}
	s.cancelInFlight()
	s.lastCrossfade = time.Time{}
	s.log.WithField("device", s.device.UID).Info("recreating tap session")
	return s.recreateOn(s.device, false)
}

// Close destroys every path. The session cannot be reused.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.cancelInFlight()
	s.closePath(s.primary)
	s.primary = nil
	s.closed = true
	s.log.Info("tap session closed")
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed
}

func (s *Session) report(r SwitchResult) {
	if s.onSwitch != nil {
		s.onSwitch(r)
	}
}

// poll waits until cond holds, the timeout elapses or ctx is cancelled.
func (s *Session) poll(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-ticker.C:
		}
	}
}

// enqueue re-enters the control goroutine unless the switch was cancelled
// in the meantime.
func (s *Session) enqueue(ctx context.Context, fn func()) {
	err := s.exec.Enqueue(queue.Func(func(context.Context) error {
		if ctx.Err() != nil || s.closed {
			return nil
		}
		fn()
		return nil
	}))
	if err != nil && !errors.Is(err, queue.ErrClosed) {
		s.log.WithError(err).Warn("cannot schedule switch continuation")
	}
}
