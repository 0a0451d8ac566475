package appmixer

import (
	"fmt"
	"os"
	"sync"

	"github.com/shaban/appmixer/hal"
)

// ProcessMonitor reports applications as they start and stop producing
// audio. It rescans the OS process list on every process-list notification
// and diffs it against what it reported before.
type ProcessMonitor struct {
	engine *Engine
	sys    hal.System

	mu        sync.RWMutex
	isRunning bool
	cancel    func()

	// control goroutine only
	known map[int]Application

	// Ignore filters processes out; the engine's own process always is.
	Ignore func(hal.ProcessInfo) bool
}

// NewProcessMonitor creates a stopped monitor.
func NewProcessMonitor(engine *Engine, sys hal.System) *ProcessMonitor {
	return &ProcessMonitor{
		engine: engine,
		sys:    sys,
		known:  make(map[int]Application),
	}
}

// Start registers for process notifications and schedules an initial scan.
func (pm *ProcessMonitor) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.isRunning {
		return fmt.Errorf("process monitor is already running")
	}
	cancel, err := pm.sys.Listen(pm.onNotification)
	if err != nil {
		return fmt.Errorf("listening for process changes: %w", err)
	}
	pm.cancel = cancel
	pm.isRunning = true
	return pm.engine.dispatcher.post(OpProcessScan, pm.scan)
}

// Stop unregisters the listener.
func (pm *ProcessMonitor) Stop() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.isRunning {
		return nil
	}
	pm.cancel()
	pm.isRunning = false
	return nil
}

// IsRunning returns whether the monitor is active
func (pm *ProcessMonitor) IsRunning() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.isRunning
}

func (pm *ProcessMonitor) onNotification(e hal.Event) {
	if e != hal.ProcessesChanged {
		return
	}
	if err := pm.engine.dispatcher.post(OpProcessScan, pm.scan); err != nil {
		pm.engine.log.WithError(err).Debug("process scan dropped")
	}
}

// scan runs on the control goroutine. A process is reported once it first
// runs output and stays known, paused or not, until it leaves the list.
func (pm *ProcessMonitor) scan() error {
	list, err := pm.sys.Processes()
	if err != nil {
		return fmt.Errorf("listing audio processes: %w", err)
	}

	self := os.Getpid()
	listed := make(map[int]hal.ProcessInfo, len(list))
	for _, p := range list {
		if p.PID == self {
			continue
		}
		if pm.Ignore != nil && pm.Ignore(p) {
			continue
		}
		listed[p.PID] = p
	}

	for pid := range pm.known {
		if _, ok := listed[pid]; !ok {
			delete(pm.known, pid)
			pm.engine.applicationDisappeared(pid)
		}
	}
	for pid, p := range listed {
		if _, ok := pm.known[pid]; ok || !p.IsRunningOutput {
			continue
		}
		app := Application{PID: p.PID, BundleID: p.BundleID, Name: p.Name, Process: p.Object}
		pm.known[pid] = app
		if err := pm.engine.applicationAppeared(app); err != nil {
			pm.engine.errorHandler.HandleError(err)
		}
	}
	return nil
}
