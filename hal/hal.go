// Package hal is the boundary to the OS audio subsystem.
//
// Object handles (ObjectID) are only valid until the audio service restarts;
// callers keep the stable UID strings and re-resolve handles after a
// ServiceRestarted event. Every create/destroy call is expected to come from
// a single control goroutine.
package hal

import (
	"errors"
	"fmt"

	"github.com/shaban/appmixer/buffer"
)

// ObjectID is a non-durable OS audio object handle.
type ObjectID uint32

// UnknownObject is the null handle.
const UnknownObject ObjectID = 0

// IOProcID identifies a registered IOProc on a device.
type IOProcID uintptr

// Sentinel errors returned by System implementations.
var (
	// ErrBadObject indicates a handle that no longer names a live object.
	ErrBadObject = errors.New("bad audio object")

	// ErrUnsupported indicates a property the object does not expose.
	ErrUnsupported = errors.New("property not supported")

	// ErrPermission indicates the OS refused capture.
	ErrPermission = errors.New("audio capture permission denied")
)

// Status wraps a raw OS status code.
type Status struct {
	Op   string
	Code int32
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s failed (status %d, %q)", s.Op, s.Code, fourCC(s.Code))
}

func fourCC(code int32) string {
	b := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	for _, c := range b {
		if c < 32 || c > 126 {
			return ""
		}
	}
	return string(b)
}

// Transport classifies how a device is attached.
type Transport string

const (
	TransportBuiltIn     Transport = "builtin"
	TransportUSB         Transport = "usb"
	TransportBluetooth   Transport = "bluetooth"
	TransportHDMI        Transport = "hdmi"
	TransportDisplayPort Transport = "displayport"
	TransportAirPlay     Transport = "airplay"
	TransportThunderbolt Transport = "thunderbolt"
	TransportVirtual     Transport = "virtual"
	TransportAggregate   Transport = "aggregate"
	TransportUnknown     Transport = "unknown"
)

// DeviceInfo is a snapshot of one device's properties.
type DeviceInfo struct {
	ID             ObjectID
	UID            string
	Name           string
	Transport      Transport
	InputChannels  int
	OutputChannels int
	IsAggregate    bool
	IsVirtual      bool
	SampleRate     float64
}

// ProcessInfo describes a process object known to the audio subsystem.
type ProcessInfo struct {
	Object          ObjectID
	PID             int
	BundleID        string
	Name            string
	IsRunningOutput bool
}

// DefaultRole selects one of the system default devices.
type DefaultRole int

const (
	DefaultOutput DefaultRole = iota
	DefaultInput
	DefaultSystemOutput
)

func (r DefaultRole) String() string {
	switch r {
	case DefaultOutput:
		return "output"
	case DefaultInput:
		return "input"
	case DefaultSystemOutput:
		return "system-output"
	default:
		return "unknown"
	}
}

// MuteBehavior controls whether tapped audio still reaches its original
// device.
type MuteBehavior int

const (
	// PassThrough leaves the original audio playing alongside the capture.
	PassThrough MuteBehavior = iota
	// ExclusiveCapture silences the original; the aggregate output is the
	// only audible path.
	ExclusiveCapture
)

func (m MuteBehavior) String() string {
	if m == ExclusiveCapture {
		return "exclusive"
	}
	return "pass-through"
}

// TapDescription configures a process tap.
type TapDescription struct {
	Name      string
	UUID      string
	Processes []ObjectID
	Mute      MuteBehavior
	Private   bool
	Mixdown   bool // stereo mixdown of all process channels
}

// AggregateDescription configures a private aggregate device composed of a
// tap and one physical output sub-device.
type AggregateDescription struct {
	Name              string
	UID               string
	OutputDeviceUID   string
	TapUUID           string
	Private           bool
	DriftCompensation bool
}

// IOProc is invoked on the device's real-time thread. Implementations must
// not allocate, lock, block or log.
type IOProc func(in, out buffer.List)

// Event is an OS property-change notification.
type Event int

const (
	DevicesChanged Event = iota
	DefaultOutputChanged
	DefaultInputChanged
	DefaultSystemOutputChanged
	ProcessesChanged
	ServiceRestarted
)

func (e Event) String() string {
	switch e {
	case DevicesChanged:
		return "devices-changed"
	case DefaultOutputChanged:
		return "default-output-changed"
	case DefaultInputChanged:
		return "default-input-changed"
	case DefaultSystemOutputChanged:
		return "default-system-output-changed"
	case ProcessesChanged:
		return "processes-changed"
	case ServiceRestarted:
		return "service-restarted"
	default:
		return "unknown"
	}
}

// Listener receives notifications on an OS-owned thread. It must return
// quickly; consumers forward events to their own queue.
type Listener func(Event)

// System is the OS audio subsystem.
type System interface {
	Devices() ([]DeviceInfo, error)
	DefaultDevice(role DefaultRole) (ObjectID, error)
	Processes() ([]ProcessInfo, error)
	ProcessObject(pid int) (ObjectID, error)

	CreateProcessTap(desc TapDescription) (ObjectID, error)
	SetTapMuteBehavior(tap ObjectID, mute MuteBehavior) error
	DestroyProcessTap(tap ObjectID) error

	CreateAggregateDevice(desc AggregateDescription) (ObjectID, error)
	DestroyAggregateDevice(device ObjectID) error

	NominalSampleRate(device ObjectID) (float64, error)
	Volume(device ObjectID) (float32, error)
	SetVolume(device ObjectID, volume float32) error

	StartIO(device ObjectID, proc IOProc) (IOProcID, error)
	StopIO(device ObjectID, id IOProcID) error

	Listen(fn Listener) (cancel func(), err error)
}
