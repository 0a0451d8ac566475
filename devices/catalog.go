package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/engine/queue"
	"github.com/shaban/appmixer/hal"
)

// ErrClosed is returned by a catalog after Close.
var ErrClosed = errors.New("device catalog closed")

// EventKind classifies catalog events.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	DefaultChanged
	ServiceRestarted
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case DefaultChanged:
		return "default-changed"
	case ServiceRestarted:
		return "service-restarted"
	default:
		return "unknown"
	}
}

// Event reports a change in the device set. Device is set for Connected and
// Disconnected; Role, Before and After (UIDs) for DefaultChanged.
type Event struct {
	Kind   EventKind
	Device Descriptor
	Role   hal.DefaultRole
	Before string
	After  string
}

// Catalog enumerates devices and tracks the system defaults. OS
// notifications are handled on the catalog's own listener queue; subscribers
// are called from that queue and must hand work off rather than block.
type Catalog struct {
	sys hal.System
	q   *queue.Queue
	log *logrus.Entry

	mu       sync.RWMutex
	order    []string
	byUID    map[string]Descriptor
	byID     map[hal.ObjectID]string
	defaults map[hal.DefaultRole]string
	subs     map[int]func(Event)
	nextSub  int
	unlisten func()
	closed   bool
}

var defaultRoles = []hal.DefaultRole{hal.DefaultOutput, hal.DefaultInput, hal.DefaultSystemOutput}

// NewCatalog enumerates the current devices and starts listening for
// changes.
func NewCatalog(sys hal.System) (*Catalog, error) {
	c := &Catalog{
		sys:      sys,
		q:        queue.New(64),
		log:      logrus.WithField("component", "device-catalog"),
		byUID:    make(map[string]Descriptor),
		byID:     make(map[hal.ObjectID]string),
		defaults: make(map[hal.DefaultRole]string),
		subs:     make(map[int]func(Event)),
	}
	c.q.OnError = func(err error) {
		c.log.WithError(err).Warn("device notification handling failed")
	}

	list, err := c.enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	c.replace(list)
	for _, role := range defaultRoles {
		c.defaults[role] = c.readDefault(role)
	}

	c.q.Start()
	unlisten, err := sys.Listen(c.onNotification)
	if err != nil {
		c.q.Close()
		return nil, fmt.Errorf("register device listener: %w", err)
	}
	c.unlisten = unlisten

	c.log.WithFields(logrus.Fields{
		"devices":        len(list),
		"default_output": c.defaults[hal.DefaultOutput],
	}).Info("device catalog ready")
	return c, nil
}

// onNotification runs on an OS-owned thread; it only forwards.
func (c *Catalog) onNotification(e hal.Event) {
	var op queue.Func
	switch e {
	case hal.DevicesChanged:
		op = func(ctx context.Context) error { return c.refreshDevices() }
	case hal.DefaultOutputChanged:
		op = func(ctx context.Context) error { c.refreshDefault(hal.DefaultOutput); return nil }
	case hal.DefaultInputChanged:
		op = func(ctx context.Context) error { c.refreshDefault(hal.DefaultInput); return nil }
	case hal.DefaultSystemOutputChanged:
		op = func(ctx context.Context) error { c.refreshDefault(hal.DefaultSystemOutput); return nil }
	case hal.ServiceRestarted:
		op = func(ctx context.Context) error { return c.handleRestart() }
	default:
		return
	}
	if err := c.q.Enqueue(op); err != nil && !errors.Is(err, queue.ErrClosed) {
		c.log.WithError(err).WithField("event", e.String()).Warn("dropping device notification")
	}
}

func (c *Catalog) enumerate() (Descriptors, error) {
	infos, err := c.sys.Devices()
	if err != nil {
		return nil, err
	}
	list := make(Descriptors, 0, len(infos))
	for _, info := range infos {
		if info.UID == "" {
			continue
		}
		list = append(list, FromInfo(info))
	}
	return list, nil
}

// replace swaps in a new device set and returns the connect/disconnect
// deltas against the previous one, by UID.
func (c *Catalog) replace(list Descriptors) (connected, disconnected Descriptors) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]Descriptor, len(list))
	for _, d := range list {
		next[d.UID] = d
		if _, ok := c.byUID[d.UID]; !ok {
			connected = append(connected, d)
		}
	}
	for _, uid := range c.order {
		if _, ok := next[uid]; !ok {
			disconnected = append(disconnected, c.byUID[uid])
		}
	}

	c.order = list.UIDs()
	c.byUID = next
	c.byID = make(map[hal.ObjectID]string, len(list))
	for _, d := range list {
		c.byID[d.ID] = d.UID
	}
	return connected, disconnected
}

func (c *Catalog) readDefault(role hal.DefaultRole) string {
	id, err := c.sys.DefaultDevice(role)
	if err != nil {
		c.log.WithError(err).WithField("role", role.String()).Warn("read default device")
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

func (c *Catalog) refreshDevices() error {
	list, err := c.enumerate()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	connected, disconnected := c.replace(list)
	for _, d := range disconnected {
		c.log.WithFields(logrus.Fields{"uid": d.UID, "name": d.Name}).Info("device disconnected")
		c.emit(Event{Kind: Disconnected, Device: d})
	}
	for _, d := range connected {
		c.log.WithFields(logrus.Fields{"uid": d.UID, "name": d.Name}).Info("device connected")
		c.emit(Event{Kind: Connected, Device: d})
	}
	// a removed default is replaced by the OS without always notifying
	for _, role := range defaultRoles {
		c.refreshDefault(role)
	}
	return nil
}

func (c *Catalog) refreshDefault(role hal.DefaultRole) {
	after := c.readDefault(role)
	c.mu.Lock()
	before := c.defaults[role]
	c.defaults[role] = after
	c.mu.Unlock()
	if before == after {
		return
	}
	c.log.WithFields(logrus.Fields{
		"role":   role.String(),
		"before": before,
		"after":  after,
	}).Info("default device changed")
	c.emit(Event{Kind: DefaultChanged, Role: role, Before: before, After: after})
}

// handleRestart re-enumerates from scratch: every cached handle is stale.
func (c *Catalog) handleRestart() error {
	c.log.Warn("audio service restarted, re-enumerating devices")
	if err := c.refreshDevices(); err != nil {
		return err
	}
	c.emit(Event{Kind: ServiceRestarted})
	return nil
}

func (c *Catalog) emit(e Event) {
	c.mu.RLock()
	fns := make([]func(Event), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Subscribe registers fn for catalog events and returns a function that
// removes it.
func (c *Catalog) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	}
}

// Refresh re-enumerates devices on the listener queue and waits for it.
func (c *Catalog) Refresh() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.q.RunSync(func(ctx context.Context) error { return c.refreshDevices() })
}

// Sync waits until every notification queued so far has been handled.
func (c *Catalog) Sync() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.q.RunSync(func(ctx context.Context) error { return nil })
}

func (c *Catalog) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// All returns every known device in enumeration order.
func (c *Catalog) All() Descriptors {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Descriptors, 0, len(c.order))
	for _, uid := range c.order {
		out = append(out, c.byUID[uid])
	}
	return out
}

// Outputs returns devices that can play audio.
func (c *Catalog) Outputs() Descriptors {
	return c.All().Outputs()
}

// Inputs returns devices that can capture audio.
func (c *Catalog) Inputs() Descriptors {
	return c.All().Inputs()
}

// Device looks a device up by UID.
func (c *Catalog) Device(uid string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byUID[uid]
	return d, ok
}

// Output looks an output-capable device up by UID.
func (c *Catalog) Output(uid string) (Descriptor, bool) {
	d, ok := c.Device(uid)
	if !ok || !d.CanOutput() {
		return Descriptor{}, false
	}
	return d, true
}

// ByID maps a cached handle back to its device.
func (c *Catalog) ByID(id hal.ObjectID) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uid, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.byUID[uid], true
}

// Resolve returns the current handle for a UID.
func (c *Catalog) Resolve(uid string) (hal.ObjectID, bool) {
	d, ok := c.Device(uid)
	if !ok {
		return hal.UnknownObject, false
	}
	return d.ID, true
}

// DefaultUID returns the UID of the default device for role, or "".
func (c *Catalog) DefaultUID(role hal.DefaultRole) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults[role]
}

// DefaultOutput returns the current default output device.
func (c *Catalog) DefaultOutput() (Descriptor, bool) {
	return c.Output(c.DefaultUID(hal.DefaultOutput))
}

// Close stops listening and shuts the listener queue down.
func (c *Catalog) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unlisten := c.unlisten
	c.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	c.q.Close()
	c.log.Debug("device catalog closed")
}
