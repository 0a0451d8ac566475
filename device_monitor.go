package appmixer

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/hal"
)

// DeviceMonitor forwards device catalog events onto the control goroutine.
// The catalog already debounces and diffs OS notifications; the monitor only
// re-posts them as dispatcher operations and keeps counters.
type DeviceMonitor struct {
	engine      *Engine
	catalog     *devices.Catalog
	mu          sync.RWMutex
	isRunning   bool
	unsubscribe func()

	// Event tracking
	eventCount    int64
	lastEventTime time.Time

	// Callbacks for device events, run on the control goroutine
	onDeviceConnected    func(device devices.Descriptor)
	onDeviceDisconnected func(device devices.Descriptor)
	onDefaultChanged     func(role hal.DefaultRole, before, after string)
	onServiceRestarted   func()
}

// NewDeviceMonitor creates a new device monitor
func NewDeviceMonitor(engine *Engine, catalog *devices.Catalog) *DeviceMonitor {
	return &DeviceMonitor{
		engine:  engine,
		catalog: catalog,
	}
}

// Start subscribes to the catalog.
func (dm *DeviceMonitor) Start() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.isRunning {
		return fmt.Errorf("device monitor is already running")
	}

	dm.unsubscribe = dm.catalog.Subscribe(dm.handleEvent)
	dm.isRunning = true
	return nil
}

// Stop unsubscribes from the catalog.
func (dm *DeviceMonitor) Stop() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.isRunning {
		return nil // Already stopped
	}
	dm.unsubscribe()
	dm.unsubscribe = nil
	dm.isRunning = false
	return nil
}

// IsRunning returns whether the monitor is active
func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.isRunning
}

// SetCallbacks sets event callbacks for device changes
func (dm *DeviceMonitor) SetCallbacks(
	onDeviceConnected func(devices.Descriptor),
	onDeviceDisconnected func(devices.Descriptor),
	onDefaultChanged func(hal.DefaultRole, string, string),
	onServiceRestarted func(),
) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.onDeviceConnected = onDeviceConnected
	dm.onDeviceDisconnected = onDeviceDisconnected
	dm.onDefaultChanged = onDefaultChanged
	dm.onServiceRestarted = onServiceRestarted
}

// GetStats returns how many events were forwarded and when the last arrived.
func (dm *DeviceMonitor) GetStats() (count int64, last time.Time) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.eventCount, dm.lastEventTime
}

// handleEvent runs on the catalog's goroutine.
func (dm *DeviceMonitor) handleEvent(ev devices.Event) {
	dm.mu.Lock()
	dm.eventCount++
	dm.lastEventTime = time.Now()
	dm.mu.Unlock()

	op := OpDeviceEvent
	if ev.Kind == devices.ServiceRestarted {
		op = OpServiceRestart
	}
	err := dm.engine.dispatcher.post(op, func() error {
		dm.dispatch(ev)
		return nil
	})
	if err != nil {
		dm.engine.log.WithError(err).WithField("event", ev.Kind.String()).Debug("device event dropped")
	}
}

func (dm *DeviceMonitor) dispatch(ev devices.Event) {
	dm.mu.RLock()
	connected, disconnected := dm.onDeviceConnected, dm.onDeviceDisconnected
	defaultChanged, restarted := dm.onDefaultChanged, dm.onServiceRestarted
	dm.mu.RUnlock()

	switch ev.Kind {
	case devices.Connected:
		if connected != nil {
			connected(ev.Device)
		}
	case devices.Disconnected:
		if disconnected != nil {
			disconnected(ev.Device)
		}
	case devices.DefaultChanged:
		if defaultChanged != nil {
			defaultChanged(ev.Role, ev.Before, ev.After)
		}
	case devices.ServiceRestarted:
		if restarted != nil {
			restarted()
		}
	}
}
