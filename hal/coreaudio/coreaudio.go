//go:build darwin && cgo

// Package coreaudio implements hal.System on Core Audio process taps and
// private aggregate devices. Process taps need macOS 14.2 or later.
package coreaudio

/*
#cgo CFLAGS: -x objective-c -fobjc-arc -mmacosx-version-min=14.2
#cgo LDFLAGS: -framework Foundation -framework CoreAudio -framework AudioToolbox
#include <stdlib.h>
#include "coreaudio.h"
*/
import "C"

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/buffer"
	"github.com/shaban/appmixer/hal"
)

// maxBuffers is the buffer-list capacity preallocated per IOProc.
const maxBuffers = 16

var (
	statusBadObject       = fourCC("!obj")
	statusUnknownProperty = fourCC("who?")
	statusPermissions     = fourCC("!hog")
)

// ErrTapsUnavailable is returned by New on systems without process taps.
var ErrTapsUnavailable = errors.New("process taps need macOS 14.2 or later")

// System is the Core Audio backend.
type System struct {
	log *logrus.Entry

	mu        sync.Mutex
	procs     map[hal.IOProcID]*ioState
	owned     map[hal.ObjectID]struct{}
	listeners map[cgo.Handle]struct{}
	closed    bool
}

// ioState is reached from the IOProc through a cgo.Handle. The buffer lists
// are preallocated so the callback never allocates.
type ioState struct {
	device hal.ObjectID
	proc   hal.IOProc
	handle cgo.Handle
	native C.AudioDeviceIOProcID
	in     buffer.List
	out    buffer.List
}

// New returns a backend bound to the system audio object.
func New() (*System, error) {
	if !bool(C.am_taps_available()) {
		return nil, ErrTapsUnavailable
	}
	return &System{
		log:       logrus.WithField("component", "coreaudio"),
		procs:     make(map[hal.IOProcID]*ioState),
		owned:     make(map[hal.ObjectID]struct{}),
		listeners: make(map[cgo.Handle]struct{}),
	}, nil
}

// Close stops every IOProc still running and removes all listeners. Taps and
// aggregates are left to their owners.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	procs := s.procs
	s.procs = make(map[hal.IOProcID]*ioState)
	listeners := s.listeners
	s.listeners = make(map[cgo.Handle]struct{})
	s.mu.Unlock()

	for id, st := range procs {
		if err := s.stop(st); err != nil {
			s.log.WithError(err).WithField("proc", id).Warn("stopping IOProc on close")
		}
	}
	for h := range listeners {
		C.am_unlisten(C.uintptr_t(h))
		h.Delete()
	}
}

// envelope is the JSON wrapper every native enumeration returns.
type envelope struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorCode int32         `json:"errorCode,omitempty"`
	Devices   []deviceJSON  `json:"devices"`
	Processes []processJSON `json:"processes"`
}

type deviceJSON struct {
	ID             uint32  `json:"id"`
	UID            string  `json:"uid"`
	Name           string  `json:"name"`
	Transport      string  `json:"transport"`
	InputChannels  int     `json:"inputChannels"`
	OutputChannels int     `json:"outputChannels"`
	SampleRate     float64 `json:"sampleRate"`
	IsAlive        bool    `json:"isAlive"`
}

type processJSON struct {
	Object        uint32 `json:"object"`
	PID           int    `json:"pid"`
	BundleID      string `json:"bundleID"`
	Name          string `json:"name"`
	RunningOutput bool   `json:"runningOutput"`
}

func decode(op string, raw *C.char) (envelope, error) {
	defer C.free(unsafe.Pointer(raw))
	var env envelope
	if err := json.Unmarshal([]byte(C.GoString(raw)), &env); err != nil {
		return envelope{}, fmt.Errorf("%s: decoding native result: %w", op, err)
	}
	if !env.Success {
		if env.ErrorCode != 0 {
			return envelope{}, check(op, C.OSStatus(env.ErrorCode))
		}
		return envelope{}, fmt.Errorf("%s: %s", op, env.Error)
	}
	return env, nil
}

// Devices lists live devices, hiding the private aggregates this backend
// created.
func (s *System) Devices() ([]hal.DeviceInfo, error) {
	env, err := decode("list devices", C.am_devices_json())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hal.DeviceInfo, 0, len(env.Devices))
	for _, d := range env.Devices {
		id := hal.ObjectID(d.ID)
		if _, mine := s.owned[id]; mine || !d.IsAlive {
			continue
		}
		transport := hal.Transport(d.Transport)
		out = append(out, hal.DeviceInfo{
			ID:             id,
			UID:            d.UID,
			Name:           d.Name,
			Transport:      transport,
			InputChannels:  d.InputChannels,
			OutputChannels: d.OutputChannels,
			IsAggregate:    transport == hal.TransportAggregate,
			IsVirtual:      transport == hal.TransportVirtual,
			SampleRate:     d.SampleRate,
		})
	}
	return out, nil
}

func (s *System) DefaultDevice(role hal.DefaultRole) (hal.ObjectID, error) {
	var id C.AudioObjectID
	if err := check("default "+role.String()+" device", C.am_default_device(C.int(role), &id)); err != nil {
		return hal.UnknownObject, err
	}
	return hal.ObjectID(id), nil
}

func (s *System) Processes() ([]hal.ProcessInfo, error) {
	env, err := decode("list processes", C.am_processes_json())
	if err != nil {
		return nil, err
	}
	out := make([]hal.ProcessInfo, 0, len(env.Processes))
	for _, p := range env.Processes {
		out = append(out, hal.ProcessInfo{
			Object:          hal.ObjectID(p.Object),
			PID:             p.PID,
			BundleID:        p.BundleID,
			Name:            p.Name,
			IsRunningOutput: p.RunningOutput,
		})
	}
	return out, nil
}

func (s *System) ProcessObject(pid int) (hal.ObjectID, error) {
	var id C.AudioObjectID
	if err := check(fmt.Sprintf("translate pid %d", pid), C.am_process_object(C.int(pid), &id)); err != nil {
		return hal.UnknownObject, err
	}
	return hal.ObjectID(id), nil
}

// muteCode maps to CATapMuteBehavior: unmuted or muted-when-tapped.
func muteCode(m hal.MuteBehavior) C.int {
	if m == hal.ExclusiveCapture {
		return 2
	}
	return 0
}

func (s *System) CreateProcessTap(desc hal.TapDescription) (hal.ObjectID, error) {
	if len(desc.Processes) == 0 {
		return hal.UnknownObject, fmt.Errorf("create process tap: no processes")
	}
	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))
	uuid := C.CString(desc.UUID)
	defer C.free(unsafe.Pointer(uuid))

	procs := (*C.AudioObjectID)(C.malloc(C.size_t(len(desc.Processes)) * C.size_t(unsafe.Sizeof(C.AudioObjectID(0)))))
	defer C.free(unsafe.Pointer(procs))
	ids := unsafe.Slice(procs, len(desc.Processes))
	for i, p := range desc.Processes {
		ids[i] = C.AudioObjectID(p)
	}

	var id C.AudioObjectID
	status := C.am_create_tap(name, uuid, procs, C.int(len(desc.Processes)), muteCode(desc.Mute),
		C.bool(desc.Private), C.bool(desc.Mixdown), &id)
	if err := check("create process tap", status); err != nil {
		return hal.UnknownObject, err
	}
	return hal.ObjectID(id), nil
}

func (s *System) SetTapMuteBehavior(tap hal.ObjectID, mute hal.MuteBehavior) error {
	return check("set tap mute behavior", C.am_set_tap_mute(C.AudioObjectID(tap), muteCode(mute)))
}

func (s *System) DestroyProcessTap(tap hal.ObjectID) error {
	return check("destroy process tap", C.am_destroy_tap(C.AudioObjectID(tap)))
}

func (s *System) CreateAggregateDevice(desc hal.AggregateDescription) (hal.ObjectID, error) {
	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))
	uid := C.CString(desc.UID)
	defer C.free(unsafe.Pointer(uid))
	output := C.CString(desc.OutputDeviceUID)
	defer C.free(unsafe.Pointer(output))
	tap := C.CString(desc.TapUUID)
	defer C.free(unsafe.Pointer(tap))

	var id C.AudioObjectID
	status := C.am_create_aggregate(name, uid, output, tap, C.bool(desc.Private), C.bool(desc.DriftCompensation), &id)
	if err := check("create aggregate device", status); err != nil {
		return hal.UnknownObject, err
	}
	s.mu.Lock()
	s.owned[hal.ObjectID(id)] = struct{}{}
	s.mu.Unlock()
	return hal.ObjectID(id), nil
}

func (s *System) DestroyAggregateDevice(device hal.ObjectID) error {
	s.mu.Lock()
	delete(s.owned, device)
	s.mu.Unlock()
	return check("destroy aggregate device", C.am_destroy_aggregate(C.AudioObjectID(device)))
}

func (s *System) NominalSampleRate(device hal.ObjectID) (float64, error) {
	var rate C.double
	if err := check("nominal sample rate", C.am_nominal_sample_rate(C.AudioObjectID(device), &rate)); err != nil {
		return 0, err
	}
	return float64(rate), nil
}

func (s *System) Volume(device hal.ObjectID) (float32, error) {
	var v C.float
	if err := check("device volume", C.am_volume(C.AudioObjectID(device), &v)); err != nil {
		return 0, err
	}
	return float32(v), nil
}

func (s *System) SetVolume(device hal.ObjectID, volume float32) error {
	return check("set device volume", C.am_set_volume(C.AudioObjectID(device), C.float(volume)))
}

// StartIO registers proc on device and starts it.
func (s *System) StartIO(device hal.ObjectID, proc hal.IOProc) (hal.IOProcID, error) {
	st := &ioState{
		device: device,
		proc:   proc,
		in:     make(buffer.List, 0, maxBuffers),
		out:    make(buffer.List, 0, maxBuffers),
	}
	st.handle = cgo.NewHandle(st)

	status := C.am_start_io(C.AudioObjectID(device), C.uintptr_t(st.handle), &st.native)
	if err := check("start IO", status); err != nil {
		st.handle.Delete()
		return 0, err
	}
	id := hal.IOProcID(uintptr(unsafe.Pointer(st.native)))

	s.mu.Lock()
	s.procs[id] = st
	s.mu.Unlock()
	return id, nil
}

// StopIO stops and unregisters the IOProc. Core Audio returns from the stop
// only after any running callback finished, so the handle can go.
func (s *System) StopIO(device hal.ObjectID, id hal.IOProcID) error {
	s.mu.Lock()
	st, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()
	if !ok || st.device != device {
		return fmt.Errorf("%w: IOProc %d on device %d", hal.ErrBadObject, id, device)
	}
	return s.stop(st)
}

func (s *System) stop(st *ioState) error {
	err := check("stop IO", C.am_stop_io(C.AudioObjectID(st.device), st.native))
	st.handle.Delete()
	return err
}

// Listen registers fn for the system-object properties the catalog and
// process monitor care about.
func (s *System) Listen(fn hal.Listener) (func(), error) {
	h := cgo.NewHandle(fn)
	if err := check("add property listeners", C.am_listen(C.uintptr_t(h))); err != nil {
		h.Delete()
		return nil, err
	}
	s.mu.Lock()
	s.listeners[h] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			_, live := s.listeners[h]
			delete(s.listeners, h)
			s.mu.Unlock()
			if !live {
				return
			}
			C.am_unlisten(C.uintptr_t(h))
			h.Delete()
		})
	}, nil
}

//export goIOProc
func goIOProc(handle C.uintptr_t, in, out *C.AudioBufferList) {
	st, ok := cgo.Handle(handle).Value().(*ioState)
	if !ok {
		return
	}
	st.in = wrap(st.in[:0], in)
	st.out = wrap(st.out[:0], out)
	st.proc(st.in, st.out)
}

//export goPropertyChanged
func goPropertyChanged(handle C.uintptr_t, event C.int) {
	if fn, ok := cgo.Handle(handle).Value().(hal.Listener); ok {
		fn(hal.Event(event))
	}
}

// wrap views a native buffer list as buffer.List without copying. A nil
// list or a buffer without data shows up as empty input.
func wrap(dst buffer.List, list *C.AudioBufferList) buffer.List {
	if list == nil || list.mNumberBuffers == 0 {
		return append(dst, buffer.Buffer{})
	}
	native := unsafe.Slice(&list.mBuffers[0], int(list.mNumberBuffers))
	for i := range native {
		b := &native[i]
		buf := buffer.Buffer{Channels: int(b.mNumberChannels)}
		if b.mData != nil && b.mDataByteSize > 0 {
			buf.Data = unsafe.Slice((*float32)(b.mData), int(b.mDataByteSize)/4)
		}
		dst = append(dst, buf)
	}
	return dst
}

func fourCC(s string) int32 {
	return int32(uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3]))
}

// check converts an OSStatus into an error, mapping the codes callers
// branch on to hal sentinels.
func check(op string, status C.OSStatus) error {
	if status == 0 {
		return nil
	}
	st := &hal.Status{Op: op, Code: int32(status)}
	switch int32(status) {
	case statusBadObject:
		return fmt.Errorf("%w: %w", hal.ErrBadObject, st)
	case statusUnknownProperty:
		return fmt.Errorf("%w: %w", hal.ErrUnsupported, st)
	case statusPermissions:
		return fmt.Errorf("%w: %w", hal.ErrPermission, st)
	}
	return st
}

var _ hal.System = (*System)(nil)
