// Package appmixer routes, scales and equalizes the audio of individual
// applications. One tap session per application captures the process
// output, processes it in the real-time callback and plays it on the
// application's chosen output device.
//
// The Engine coordinates sessions: it reacts to applications appearing,
// devices coming and going, default-device changes and audio-service
// restarts, runs periodic health and permission checks, and persists
// per-application preferences. All coordination happens on one control
// goroutine owned by the Dispatcher.
package appmixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/config"
	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/prefs"
	"github.com/shaban/appmixer/tap"
)

// EngineConfig holds configuration for creating a new engine
type EngineConfig struct {
	Name   string
	System hal.System

	// Config defaults to config.Default().
	Config *config.Config

	// Preferences defaults to an in-memory store seeded from Config.Apps.
	Preferences prefs.Store

	Notifier     Notifier
	ErrorHandler ErrorHandler

	// WatchProcesses makes the engine discover applications itself. When
	// false the caller reports them with ApplicationAppeared.
	WatchProcesses bool
}

// Engine is the per-application audio coordinator.
type Engine struct {
	id   uuid.UUID
	name string
	cfg  config.Config
	sys  hal.System
	log  *logrus.Entry

	prefs        prefs.Store
	notifier     Notifier
	errorHandler ErrorHandler
	errCount     *errorCounter

	catalog        *devices.Catalog
	dispatcher     *Dispatcher
	deviceMonitor  *DeviceMonitor
	processMonitor *ProcessMonitor

	mu        sync.Mutex
	isRunning bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	permission atomic.Bool
	recovering atomic.Bool
	restarts   atomic.Int64

	// control goroutine only
	runCtx         context.Context
	apps           map[int]Application
	sessions       map[int]*tap.Session
	lastHealth     map[int]tap.HealthSnapshot
	seen           map[string]bool
	cancelRecovery context.CancelFunc
}

// NewEngine creates a stopped engine and enumerates devices.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.System == nil {
		return nil, fmt.Errorf("engine config: audio system is required")
	}
	c := config.Default()
	if cfg.Config != nil {
		c = *cfg.Config
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	id := uuid.New()
	name := cfg.Name
	if name == "" {
		name = "appmixer"
	}
	e := &Engine{
		id:   id,
		name: name,
		cfg:  c,
		sys:  cfg.System,
		log: logrus.WithFields(logrus.Fields{
			"component": "engine",
			"engine":    id.String()[:8],
		}),
		prefs:      cfg.Preferences,
		notifier:   cfg.Notifier,
		apps:       make(map[int]Application),
		sessions:   make(map[int]*tap.Session),
		lastHealth: make(map[int]tap.HealthSnapshot),
		seen:       make(map[string]bool),
	}
	if e.prefs == nil {
		e.prefs = prefs.FromConfig(c)
	}
	if e.notifier == nil {
		e.notifier = NotifierFuncs{}
	}
	handler := cfg.ErrorHandler
	if handler == nil {
		handler = &LogErrorHandler{Logger: e.log}
	}
	e.errCount = &errorCounter{next: handler}
	e.errorHandler = e.errCount

	catalog, err := devices.NewCatalog(cfg.System)
	if err != nil {
		return nil, fmt.Errorf("creating device catalog: %w", err)
	}
	e.catalog = catalog
	e.dispatcher = NewDispatcher(e)
	e.deviceMonitor = NewDeviceMonitor(e, catalog)
	if cfg.WatchProcesses {
		e.processMonitor = NewProcessMonitor(e, cfg.System)
	}
	return e, nil
}

// ID returns the engine's unique identifier.
func (e *Engine) ID() string { return e.id.String() }

// Name returns the engine's name.
func (e *Engine) Name() string { return e.name }

// Config returns the configuration the engine runs with.
func (e *Engine) Config() config.Config { return e.cfg }

// Start begins coordination: the control goroutine, device and process
// monitoring, and the health and permission loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrNotRunning
	}
	if e.isRunning {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx = ctx
	for _, d := range e.catalog.Outputs() {
		e.seen[d.UID] = true
	}

	if err := e.dispatcher.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	e.deviceMonitor.SetCallbacks(e.deviceConnected, e.deviceDisconnected, e.defaultChanged, e.serviceRestarted)
	if err := e.deviceMonitor.Start(); err != nil {
		cancel()
		_ = e.dispatcher.Stop()
		return fmt.Errorf("starting device monitor: %w", err)
	}
	if e.processMonitor != nil {
		if err := e.processMonitor.Start(); err != nil {
			cancel()
			_ = e.deviceMonitor.Stop()
			_ = e.dispatcher.Stop()
			return fmt.Errorf("starting process monitor: %w", err)
		}
	}

	e.cancel = cancel
	e.wg.Add(2)
	go e.every(ctx, e.cfg.Health.Interval, OpHealthCheck, e.checkHealth)
	go e.every(ctx, e.cfg.Permission.CheckInterval, OpPermissionCheck, e.checkPermission)

	e.isRunning = true
	e.log.WithField("name", e.name).Info("engine started")
	return nil
}

// IsRunning returns whether the engine is running
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRunning
}

// Close stops every loop, destroys all sessions and releases the device
// catalog. The engine cannot be restarted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.isRunning
	e.isRunning = false
	cancel := e.cancel
	e.mu.Unlock()

	if running {
		cancel()
		e.wg.Wait()
		if e.processMonitor != nil {
			_ = e.processMonitor.Stop()
		}
		_ = e.deviceMonitor.Stop()
		if err := e.dispatcher.run(OpShutdown, e.shutdown); err != nil {
			e.errorHandler.HandleError(fmt.Errorf("shutdown: %w", err))
		}
		_ = e.dispatcher.Stop()
	}
	e.catalog.Close()
	e.log.Info("engine closed")
	return nil
}

// every posts fn to the control goroutine on each tick.
func (e *Engine) every(ctx context.Context, interval time.Duration, op OperationType, fn func() error) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.dispatcher.post(op, fn); err != nil {
				return
			}
		}
	}
}

// Sync waits until pending device notifications and control operations
// queued before the call have run.
func (e *Engine) Sync() error {
	if err := e.catalog.Sync(); err != nil {
		return err
	}
	return e.dispatcher.run(OpQuery, func() error { return nil })
}

// ---------------------------------------------------------------------
// Applications

// AppState is a point-in-time view of one application.
type AppState struct {
	Application
	Volume          float32
	Muted           bool
	EQ              dsp.EQSettings
	PreferredDevice string // empty when following the default output
	Device          devices.Descriptor
	Active          bool
	Phase           tap.Phase
	Mute            hal.MuteBehavior
	Level           float32
	Health          tap.HealthSnapshot
}

// ApplicationAppeared starts managing app. Repeated calls for the same PID
// update its identity only.
func (e *Engine) ApplicationAppeared(app Application) error {
	return e.dispatcher.run(OpApplicationAppeared, func() error {
		return e.applicationAppeared(app)
	})
}

// ApplicationDisappeared tears down the session of pid.
func (e *Engine) ApplicationDisappeared(pid int) error {
	return e.dispatcher.run(OpApplicationDisappeared, func() error {
		if _, ok := e.apps[pid]; !ok {
			return fmt.Errorf("%w: pid %d", ErrUnknownApplication, pid)
		}
		e.applicationDisappeared(pid)
		return nil
	})
}

// Applications lists the managed applications by PID.
func (e *Engine) Applications() ([]AppState, error) {
	var out []AppState
	err := e.dispatcher.run(OpQuery, func() error {
		for _, pid := range e.pids() {
			out = append(out, e.appState(pid))
		}
		return nil
	})
	return out, err
}

// Application returns the state of one application.
func (e *Engine) Application(pid int) (AppState, error) {
	var st AppState
	err := e.withApp(OpQuery, pid, func(Application, *tap.Session) error {
		st = e.appState(pid)
		return nil
	})
	return st, err
}

// Volume returns the volume of pid.
func (e *Engine) Volume(pid int) (float32, error) {
	st, err := e.Application(pid)
	return st.Volume, err
}

// SetVolume sets the volume of pid, clamped to [0, tap.MaxVolume].
func (e *Engine) SetVolume(pid int, volume float32) error {
	return e.withApp(OpSetVolume, pid, func(app Application, s *tap.Session) error {
		v := clampVolume(volume)
		if s != nil {
			s.SetVolume(v)
		}
		e.updatePrefs(app, func(p *prefs.App) { p.Volume = v })
		return nil
	})
}

// Muted reports whether pid is muted.
func (e *Engine) Muted(pid int) (bool, error) {
	st, err := e.Application(pid)
	return st.Muted, err
}

// SetMuted mutes or unmutes pid. The volume is kept.
func (e *Engine) SetMuted(pid int, muted bool) error {
	return e.withApp(OpSetMuted, pid, func(app Application, s *tap.Session) error {
		if s != nil {
			s.SetMuted(muted)
		}
		e.updatePrefs(app, func(p *prefs.App) { p.Muted = muted })
		return nil
	})
}

// EQ returns the equalizer settings of pid.
func (e *Engine) EQ(pid int) (dsp.EQSettings, error) {
	st, err := e.Application(pid)
	return st.EQ, err
}

// SetEQ replaces the equalizer settings of pid. Bands are clamped to ±12 dB.
func (e *Engine) SetEQ(pid int, settings dsp.EQSettings) error {
	return e.withApp(OpSetEQ, pid, func(app Application, s *tap.Session) error {
		settings = settings.Clamped()
		if s != nil {
			s.SetEQ(settings)
		}
		e.updatePrefs(app, func(p *prefs.App) { p.EQ = settings })
		return nil
	})
}

// Route returns the preferred output of pid (empty when it follows the
// default) and the device it currently plays on.
func (e *Engine) Route(pid int) (preferred string, current devices.Descriptor, err error) {
	st, err := e.Application(pid)
	return st.PreferredDevice, st.Device, err
}

// SetRoute routes pid to the output with uid; an empty uid follows the
// system default. The switch crossfades when a path is running.
func (e *Engine) SetRoute(pid int, uid string) error {
	if uid != "" {
		if _, ok := e.catalog.Output(uid); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDevice, uid)
		}
	}
	return e.withApp(OpSetRoute, pid, func(app Application, s *tap.Session) error {
		e.updatePrefs(app, func(p *prefs.App) { p.DeviceUID = uid })
		if s == nil {
			return nil
		}
		device, err := e.resolveRoute(e.preferencesFor(app))
		if err != nil {
			return err
		}
		delete(e.lastHealth, pid)
		return s.SwitchDevice(device)
	})
}

// Level returns the last output peak of pid for metering. It fails with
// ErrRecovering while the session waits to be rebuilt.
func (e *Engine) Level(pid int) (float32, error) {
	var level float32
	err := e.withApp(OpQuery, pid, func(_ Application, s *tap.Session) error {
		if s == nil {
			if e.recovering.Load() {
				return ErrRecovering
			}
			return nil
		}
		level = s.Peak()
		return nil
	})
	return level, err
}

func clampVolume(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)) || v < 0:
		return 0
	case v > tap.MaxVolume:
		return tap.MaxVolume
	}
	return v
}

// withApp runs fn on the control goroutine with the application and its
// session, which is nil while the engine recovers.
func (e *Engine) withApp(op OperationType, pid int, fn func(Application, *tap.Session) error) error {
	return e.dispatcher.run(op, func() error {
		app, ok := e.apps[pid]
		if !ok {
			return fmt.Errorf("%w: pid %d", ErrUnknownApplication, pid)
		}
		return fn(app, e.sessions[pid])
	})
}

func (e *Engine) pids() []int {
	pids := make([]int, 0, len(e.apps))
	for pid := range e.apps {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (e *Engine) appState(pid int) AppState {
	app := e.apps[pid]
	p := e.preferencesFor(app)
	st := AppState{
		Application:     app,
		Volume:          p.Volume,
		Muted:           p.Muted,
		EQ:              p.EQ,
		PreferredDevice: p.DeviceUID,
		Phase:           tap.PhaseIdle,
		Mute:            e.muteBehavior(),
	}
	if s := e.sessions[pid]; s != nil {
		st.Volume = s.Volume()
		st.Muted = s.Muted()
		st.EQ = s.EQ()
		st.Device = s.Device()
		st.Active = s.Active()
		st.Phase = s.State().Phase()
		st.Mute = s.MuteBehavior()
		st.Level = s.Peak()
		st.Health = s.Snapshot()
	}
	return st
}

// ---------------------------------------------------------------------
// Devices

// OutputDevices lists devices able to play audio.
func (e *Engine) OutputDevices() devices.Descriptors { return e.catalog.Outputs() }

// InputDevices lists devices able to record audio.
func (e *Engine) InputDevices() devices.Descriptors { return e.catalog.Inputs() }

// DefaultOutput returns the system default output device.
func (e *Engine) DefaultOutput() (devices.Descriptor, bool) {
	return e.catalog.Output(e.catalog.DefaultUID(hal.DefaultOutput))
}

// DeviceVolume reads the scalar volume of a device. Devices without a
// volume control read as 1.0.
func (e *Engine) DeviceVolume(uid string) float32 {
	id, ok := e.catalog.Resolve(uid)
	if !ok {
		return 1
	}
	v, err := e.sys.Volume(id)
	if err != nil {
		e.log.WithError(err).WithField("device", uid).Debug("device volume unavailable")
		return 1
	}
	return v
}

// SetDeviceVolume sets the scalar volume of a device. Devices that refuse
// are left alone.
func (e *Engine) SetDeviceVolume(uid string, volume float32) error {
	id, ok := e.catalog.Resolve(uid)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, uid)
	}
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	if err := e.sys.SetVolume(id, volume); err != nil {
		e.log.WithError(err).WithField("device", uid).Warn("device volume not settable")
	}
	return nil
}

// ---------------------------------------------------------------------
// Status

// PermissionConfirmed reports whether capture permission has been observed.
func (e *Engine) PermissionConfirmed() bool { return e.permission.Load() }

// Recovering reports whether an audio-service restart is being handled.
func (e *Engine) Recovering() bool { return e.recovering.Load() }

// Status is a snapshot of the whole engine.
type Status struct {
	ID                  string
	Name                string
	Running             bool
	PermissionConfirmed bool
	Recovering          bool
	Restarts            int64
	DefaultOutput       string
	Apps                []AppState
	LastOperation       time.Duration
	SlowestOperation    time.Duration
	DeviceEvents        int64
	Errors              int64
	LastError           string
}

// Status reports the engine state.
func (e *Engine) Status() (Status, error) {
	apps, err := e.Applications()
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return Status{}, err
	}
	last, slowest := e.dispatcher.GetPerformanceStats()
	events, _ := e.deviceMonitor.GetStats()
	count, lastErr := e.errCount.stats()
	var lastError string
	if lastErr != nil {
		lastError = lastErr.Error()
	}
	return Status{
		ID:                  e.ID(),
		Name:                e.name,
		Running:             e.IsRunning(),
		PermissionConfirmed: e.PermissionConfirmed(),
		Recovering:          e.Recovering(),
		Restarts:            e.restarts.Load(),
		DefaultOutput:       e.catalog.DefaultUID(hal.DefaultOutput),
		Apps:                apps,
		LastOperation:       last,
		SlowestOperation:    slowest,
		DeviceEvents:        events,
		Errors:              count,
		LastError:           lastError,
	}, nil
}

// CheckHealth runs one health pass now.
func (e *Engine) CheckHealth() error {
	return e.dispatcher.run(OpHealthCheck, e.checkHealth)
}

// CheckPermission runs one permission pass now.
func (e *Engine) CheckPermission() error {
	return e.dispatcher.run(OpPermissionCheck, e.checkPermission)
}
