package appmixer

import (
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/tap"
)

// Application is a running process whose audio the engine manages.
type Application struct {
	PID      int
	BundleID string
	Name     string
	Process  hal.ObjectID // informational; sessions re-resolve it by PID
}

// PersistenceKey is the stable key for preferences: the bundle id, falling
// back to the name.
func (a Application) PersistenceKey() string {
	if a.BundleID != "" {
		return a.BundleID
	}
	return a.Name
}

func (a Application) target() tap.Target {
	return tap.Target{PID: a.PID, BundleID: a.BundleID, Name: a.Name}
}

// DeviceNotice describes a device coming or going for the notification
// collaborator.
type DeviceNotice struct {
	Name           string
	UID            string
	Connected      bool
	RoutingChanged bool // at least one application was moved
}

// Notifier is the notification collaborator. Notices are advisory.
type Notifier interface {
	DeviceDisconnected(DeviceNotice)
	DeviceReconnected(DeviceNotice)
}

// NotifierFuncs adapts plain functions to Notifier; nil fields are skipped.
type NotifierFuncs struct {
	Disconnected func(DeviceNotice)
	Reconnected  func(DeviceNotice)
}

func (n NotifierFuncs) DeviceDisconnected(d DeviceNotice) {
	if n.Disconnected != nil {
		n.Disconnected(d)
	}
}

func (n NotifierFuncs) DeviceReconnected(d DeviceNotice) {
	if n.Reconnected != nil {
		n.Reconnected(d)
	}
}
