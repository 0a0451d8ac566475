// Package sim provides an in-memory hal.System.
//
// Devices, processes, taps and aggregates are plain Go values. Audio is
// rendered on demand by Render (or continuously by Run): every running IOProc
// receives a stereo sine for each tapped process and its output is kept for
// inspection. Faults the real subsystem produces (stalled IO, empty input,
// denied permission, failed creation, service restarts) can be injected.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shaban/appmixer/buffer"
	"github.com/shaban/appmixer/hal"
)

// InputMode selects what a tapped process delivers.
type InputMode int

const (
	// InputSignal delivers a sine.
	InputSignal InputMode = iota
	// InputSilence delivers zero-valued samples.
	InputSilence
	// InputEmpty delivers buffers without data.
	InputEmpty
)

// Channels and sample format rendered by the simulator.
const (
	Channels          = 2
	DefaultSampleRate = 48000.0
)

type device struct {
	info   hal.DeviceInfo
	volume float32
}

type process struct {
	info      hal.ProcessInfo
	mode      InputMode
	freq      float64
	amplitude float32
	phase     float64
}

type tapObject struct {
	id   hal.ObjectID
	desc hal.TapDescription
}

type ioProc struct {
	id  hal.IOProcID
	fn  hal.IOProc
	in  buffer.List
	out buffer.List
}

type aggregate struct {
	id      hal.ObjectID
	desc    hal.AggregateDescription
	procs   []*ioProc
	stalled bool
	last    []float32
}

// System is a simulated audio subsystem. The zero value is not usable; call
// New.
type System struct {
	mu sync.Mutex

	nextID       hal.ObjectID
	nextProc     hal.IOProcID
	nextListener int

	devices    []*device
	defaults   map[hal.DefaultRole]string
	processes  map[int]*process
	taps       map[hal.ObjectID]*tapObject
	aggregates map[hal.ObjectID]*aggregate
	listeners  map[int]hal.Listener

	permission    bool
	failTaps      int
	failAggs      int
	failMute      bool
	failVolume    bool
	restarts      int
	destroyedTaps int
	destroyedAggs int

	renderMu sync.Mutex
}

// New creates an empty simulated system with capture permission granted.
func New() *System {
	return &System{
		nextID:     100,
		nextProc:   1,
		defaults:   make(map[hal.DefaultRole]string),
		processes:  make(map[int]*process),
		taps:       make(map[hal.ObjectID]*tapObject),
		aggregates: make(map[hal.ObjectID]*aggregate),
		listeners:  make(map[int]hal.Listener),
		permission: true,
	}
}

// NewWithDefaults returns a system with built-in speakers, a USB headset and
// a built-in microphone, speakers set as default output.
func NewWithDefaults() *System {
	s := New()
	s.AddDevice(hal.DeviceInfo{UID: "BuiltInSpeakerDevice", Name: "MacBook Pro Speakers", Transport: hal.TransportBuiltIn, OutputChannels: 2, SampleRate: DefaultSampleRate})
	s.AddDevice(hal.DeviceInfo{UID: "BuiltInMicrophoneDevice", Name: "MacBook Pro Microphone", Transport: hal.TransportBuiltIn, InputChannels: 1, SampleRate: DefaultSampleRate})
	s.AddDevice(hal.DeviceInfo{UID: "USBHeadset-0001", Name: "USB Headset", Transport: hal.TransportUSB, InputChannels: 1, OutputChannels: 2, SampleRate: DefaultSampleRate})
	s.SetDefault(hal.DefaultOutput, "BuiltInSpeakerDevice")
	s.SetDefault(hal.DefaultSystemOutput, "BuiltInSpeakerDevice")
	s.SetDefault(hal.DefaultInput, "BuiltInMicrophoneDevice")
	return s
}

func (s *System) allocID() hal.ObjectID {
	s.nextID++
	return s.nextID
}

func (s *System) notify(events ...hal.Event) {
	s.mu.Lock()
	keys := make([]int, 0, len(s.listeners))
	for k := range s.listeners {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]hal.Listener, 0, len(keys))
	for _, k := range keys {
		fns = append(fns, s.listeners[k])
	}
	s.mu.Unlock()

	for _, e := range events {
		for _, fn := range fns {
			fn(e)
		}
	}
}

// ---------------------------------------------------------------------
// Scenario control

// AddDevice plugs in a device and returns its handle.
func (s *System) AddDevice(info hal.DeviceInfo) hal.ObjectID {
	s.mu.Lock()
	info.ID = s.allocID()
	if info.SampleRate == 0 {
		info.SampleRate = DefaultSampleRate
	}
	if info.Transport == "" {
		info.Transport = hal.TransportUnknown
	}
	s.devices = append(s.devices, &device{info: info, volume: 1})
	id := info.ID
	s.mu.Unlock()
	s.notify(hal.DevicesChanged)
	return id
}

// RemoveDevice unplugs a device. Aggregates built on it stop calling their
// IOProcs, as the real subsystem does when a sub-device disappears.
func (s *System) RemoveDevice(uid string) {
	s.mu.Lock()
	for i, d := range s.devices {
		if d.info.UID == uid {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			break
		}
	}
	for _, a := range s.aggregates {
		if a.desc.OutputDeviceUID == uid {
			a.stalled = true
		}
	}
	var changed []hal.Event
	for _, role := range []hal.DefaultRole{hal.DefaultOutput, hal.DefaultInput, hal.DefaultSystemOutput} {
		if s.defaults[role] != uid {
			continue
		}
		s.defaults[role] = s.fallback(role)
		changed = append(changed, roleEvent(role))
	}
	s.mu.Unlock()
	s.notify(append([]hal.Event{hal.DevicesChanged}, changed...)...)
}

// fallback picks the first remaining device able to serve role.
func (s *System) fallback(role hal.DefaultRole) string {
	for _, d := range s.devices {
		if role == hal.DefaultInput && d.info.InputChannels > 0 {
			return d.info.UID
		}
		if role != hal.DefaultInput && d.info.OutputChannels > 0 {
			return d.info.UID
		}
	}
	return ""
}

func roleEvent(role hal.DefaultRole) hal.Event {
	switch role {
	case hal.DefaultInput:
		return hal.DefaultInputChanged
	case hal.DefaultSystemOutput:
		return hal.DefaultSystemOutputChanged
	default:
		return hal.DefaultOutputChanged
	}
}

// SetDefault changes a system default device.
func (s *System) SetDefault(role hal.DefaultRole, uid string) {
	s.mu.Lock()
	s.defaults[role] = uid
	s.mu.Unlock()
	s.notify(roleEvent(role))
}

// AddProcess registers a process producing a sine at freq Hz.
func (s *System) AddProcess(pid int, bundleID, name string, freq float64) hal.ObjectID {
	s.mu.Lock()
	p := &process{
		info: hal.ProcessInfo{
			Object:          s.allocID(),
			PID:             pid,
			BundleID:        bundleID,
			Name:            name,
			IsRunningOutput: true,
		},
		freq:      freq,
		amplitude: 0.5,
	}
	s.processes[pid] = p
	id := p.info.Object
	s.mu.Unlock()
	s.notify(hal.ProcessesChanged)
	return id
}

// RemoveProcess terminates a process.
func (s *System) RemoveProcess(pid int) {
	s.mu.Lock()
	delete(s.processes, pid)
	s.mu.Unlock()
	s.notify(hal.ProcessesChanged)
}

// SetRunningOutput marks a process as playing or paused.
func (s *System) SetRunningOutput(pid int, running bool) {
	s.mu.Lock()
	p, ok := s.processes[pid]
	if ok {
		p.info.IsRunningOutput = running
	}
	s.mu.Unlock()
	if ok {
		s.notify(hal.ProcessesChanged)
	}
}

// SetInputMode changes what a process delivers to its taps.
func (s *System) SetInputMode(pid int, mode InputMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.processes[pid]; ok {
		p.mode = mode
	}
}

// SetPermission grants or revokes capture permission. Without permission
// taps deliver silence.
func (s *System) SetPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = granted
}

// FailNextTaps makes the next n CreateProcessTap calls fail.
func (s *System) FailNextTaps(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTaps = n
}

// FailNextAggregates makes the next n CreateAggregateDevice calls fail.
func (s *System) FailNextAggregates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAggs = n
}

// FailMuteChanges makes SetTapMuteBehavior fail while set.
func (s *System) FailMuteChanges(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMute = fail
}

// FailVolume makes device volume property access fail while set.
func (s *System) FailVolume(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failVolume = fail
}

// Stall stops (or resumes) IOProc callbacks on an aggregate.
func (s *System) Stall(aggregateID hal.ObjectID, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aggregates[aggregateID]; ok {
		a.stalled = stalled
	}
}

// RestartService simulates an audio server restart: every tap and aggregate
// disappears and all devices and processes get new handles.
func (s *System) RestartService() {
	s.mu.Lock()
	s.taps = make(map[hal.ObjectID]*tapObject)
	s.aggregates = make(map[hal.ObjectID]*aggregate)
	for _, d := range s.devices {
		d.info.ID = s.allocID()
	}
	for _, p := range s.processes {
		p.info.Object = s.allocID()
	}
	s.restarts++
	s.mu.Unlock()
	s.notify(hal.ServiceRestarted)
}

// ---------------------------------------------------------------------
// hal.System

// Devices implements hal.System.
func (s *System) Devices() ([]hal.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hal.DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.info)
	}
	return out, nil
}

func (s *System) deviceByUID(uid string) *device {
	for _, d := range s.devices {
		if d.info.UID == uid {
			return d
		}
	}
	return nil
}

func (s *System) deviceByID(id hal.ObjectID) *device {
	for _, d := range s.devices {
		if d.info.ID == id {
			return d
		}
	}
	return nil
}

// DefaultDevice implements hal.System.
func (s *System) DefaultDevice(role hal.DefaultRole) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deviceByUID(s.defaults[role])
	if d == nil {
		return hal.UnknownObject, fmt.Errorf("default %s device: %w", role, hal.ErrBadObject)
	}
	return d.info.ID, nil
}

// Processes implements hal.System.
func (s *System) Processes() ([]hal.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hal.ProcessInfo, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// ProcessObject implements hal.System.
func (s *System) ProcessObject(pid int) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return hal.UnknownObject, fmt.Errorf("process %d: %w", pid, hal.ErrBadObject)
	}
	return p.info.Object, nil
}

// CreateProcessTap implements hal.System.
func (s *System) CreateProcessTap(desc hal.TapDescription) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTaps > 0 {
		s.failTaps--
		return hal.UnknownObject, &hal.Status{Op: "AudioHardwareCreateProcessTap", Code: 0x21707270} // '!prp'
	}
	for _, obj := range desc.Processes {
		if s.processByObject(obj) == nil {
			return hal.UnknownObject, fmt.Errorf("tap process object %d: %w", obj, hal.ErrBadObject)
		}
	}
	t := &tapObject{id: s.allocID(), desc: desc}
	s.taps[t.id] = t
	return t.id, nil
}

func (s *System) processByObject(obj hal.ObjectID) *process {
	for _, p := range s.processes {
		if p.info.Object == obj {
			return p
		}
	}
	return nil
}

// SetTapMuteBehavior implements hal.System.
func (s *System) SetTapMuteBehavior(tap hal.ObjectID, mute hal.MuteBehavior) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taps[tap]
	if !ok {
		return fmt.Errorf("tap %d: %w", tap, hal.ErrBadObject)
	}
	if s.failMute {
		return &hal.Status{Op: "AudioObjectSetPropertyData(kAudioTapPropertyDescription)", Code: 0x6E6F7065} // 'nope'
	}
	t.desc.Mute = mute
	return nil
}

// DestroyProcessTap implements hal.System.
func (s *System) DestroyProcessTap(tap hal.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[tap]; !ok {
		return fmt.Errorf("tap %d: %w", tap, hal.ErrBadObject)
	}
	delete(s.taps, tap)
	s.destroyedTaps++
	return nil
}

// CreateAggregateDevice implements hal.System.
func (s *System) CreateAggregateDevice(desc hal.AggregateDescription) (hal.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAggs > 0 {
		s.failAggs--
		return hal.UnknownObject, &hal.Status{Op: "AudioHardwareCreateAggregateDevice", Code: 0x77686174} // 'what'
	}
	if s.deviceByUID(desc.OutputDeviceUID) == nil {
		return hal.UnknownObject, fmt.Errorf("output sub-device %q: %w", desc.OutputDeviceUID, hal.ErrBadObject)
	}
	if s.tapByUUID(desc.TapUUID) == nil {
		return hal.UnknownObject, fmt.Errorf("tap %q: %w", desc.TapUUID, hal.ErrBadObject)
	}
	a := &aggregate{id: s.allocID(), desc: desc}
	s.aggregates[a.id] = a
	return a.id, nil
}

func (s *System) tapByUUID(uuid string) *tapObject {
	for _, t := range s.taps {
		if t.desc.UUID == uuid {
			return t
		}
	}
	return nil
}

// DestroyAggregateDevice implements hal.System.
func (s *System) DestroyAggregateDevice(dev hal.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[dev]; !ok {
		return fmt.Errorf("aggregate %d: %w", dev, hal.ErrBadObject)
	}
	delete(s.aggregates, dev)
	s.destroyedAggs++
	return nil
}

// NominalSampleRate implements hal.System.
func (s *System) NominalSampleRate(dev hal.ObjectID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aggregates[dev]; ok {
		if d := s.deviceByUID(a.desc.OutputDeviceUID); d != nil {
			return d.info.SampleRate, nil
		}
		return DefaultSampleRate, nil
	}
	if d := s.deviceByID(dev); d != nil {
		return d.info.SampleRate, nil
	}
	return 0, fmt.Errorf("device %d: %w", dev, hal.ErrBadObject)
}

// Volume implements hal.System.
func (s *System) Volume(dev hal.ObjectID) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failVolume {
		return 0, fmt.Errorf("volume of device %d: %w", dev, hal.ErrUnsupported)
	}
	d := s.deviceByID(dev)
	if d == nil {
		return 0, fmt.Errorf("device %d: %w", dev, hal.ErrBadObject)
	}
	return d.volume, nil
}

// SetVolume implements hal.System.
func (s *System) SetVolume(dev hal.ObjectID, volume float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failVolume {
		return fmt.Errorf("volume of device %d: %w", dev, hal.ErrUnsupported)
	}
	d := s.deviceByID(dev)
	if d == nil {
		return fmt.Errorf("device %d: %w", dev, hal.ErrBadObject)
	}
	d.volume = volume
	return nil
}

// StartIO implements hal.System.
func (s *System) StartIO(dev hal.ObjectID, proc hal.IOProc) (hal.IOProcID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[dev]
	if !ok {
		return 0, fmt.Errorf("aggregate %d: %w", dev, hal.ErrBadObject)
	}
	p := &ioProc{id: s.nextProc, fn: proc}
	s.nextProc++
	a.procs = append(a.procs, p)
	return p.id, nil
}

// StopIO implements hal.System.
func (s *System) StopIO(dev hal.ObjectID, id hal.IOProcID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[dev]
	if !ok {
		return fmt.Errorf("aggregate %d: %w", dev, hal.ErrBadObject)
	}
	for i, p := range a.procs {
		if p.id == id {
			a.procs = append(a.procs[:i], a.procs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("ioproc %d on aggregate %d: %w", id, dev, hal.ErrBadObject)
}

// Listen implements hal.System.
func (s *System) Listen(fn hal.Listener) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.nextListener
	s.nextListener++
	s.listeners[key] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
	}, nil
}

// ---------------------------------------------------------------------
// Rendering

type renderJob struct {
	agg  *aggregate
	proc *ioProc
	in   buffer.List
	out  buffer.List
}

// Render runs one IO cycle of frames on every running, non-stalled IOProc.
func (s *System) Render(frames int) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	jobs := s.prepare(frames)
	for _, j := range jobs {
		j.proc.fn(j.in, j.out)
	}

	s.mu.Lock()
	for _, j := range jobs {
		if len(j.out) > 0 {
			j.agg.last = append(j.agg.last[:0], j.out[0].Data...)
		}
	}
	s.mu.Unlock()
}

func (s *System) prepare(frames int) []renderJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	signals := make(map[int][]float32)
	for pid, p := range s.processes {
		signals[pid] = s.generate(p, frames)
	}

	ids := make([]int, 0, len(s.aggregates))
	for id := range s.aggregates {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	var jobs []renderJob
	for _, id := range ids {
		a := s.aggregates[hal.ObjectID(id)]
		if a.stalled || len(a.procs) == 0 {
			continue
		}
		mix, empty := s.tapInput(a, signals, frames)
		for _, p := range a.procs {
			if len(p.out) == 0 || len(p.out[0].Data) != frames*Channels {
				p.in = buffer.NewInterleaved(Channels, frames)
				p.out = buffer.NewInterleaved(Channels, frames)
			}
			if empty {
				p.in[0].Data = nil
			} else {
				if p.in[0].Data == nil {
					p.in[0].Data = make([]float32, frames*Channels)
				}
				copy(p.in[0].Data, mix)
			}
			p.out.Silence()
			jobs = append(jobs, renderJob{agg: a, proc: p, in: p.in, out: p.out})
		}
	}
	return jobs
}

// generate advances a process's oscillator; nil means the process delivers
// empty buffers.
func (s *System) generate(p *process, frames int) []float32 {
	if p.mode == InputEmpty {
		return nil
	}
	out := make([]float32, frames*Channels)
	step := 2 * math.Pi * p.freq / DefaultSampleRate
	for f := 0; f < frames; f++ {
		var v float32
		if p.mode == InputSignal && s.permission {
			v = p.amplitude * float32(math.Sin(p.phase))
		}
		p.phase += step
		for c := 0; c < Channels; c++ {
			out[f*Channels+c] = v
		}
	}
	if p.phase > 2*math.Pi {
		p.phase = math.Mod(p.phase, 2*math.Pi)
	}
	return out
}

func (s *System) tapInput(a *aggregate, signals map[int][]float32, frames int) ([]float32, bool) {
	t := s.tapByUUID(a.desc.TapUUID)
	if t == nil {
		return nil, true
	}
	mix := make([]float32, frames*Channels)
	any := false
	for _, obj := range t.desc.Processes {
		p := s.processByObject(obj)
		if p == nil {
			continue
		}
		sig := signals[p.info.PID]
		if sig == nil {
			continue
		}
		any = true
		for i, v := range sig {
			mix[i] += v
		}
	}
	if !any {
		return nil, true
	}
	return mix, false
}

// Run renders frames every interval until ctx is done.
func (s *System) Run(ctx context.Context, interval time.Duration, frames int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Render(frames)
		}
	}
}

// ---------------------------------------------------------------------
// Inspection

// LastOutput returns a copy of the most recent interleaved output of an
// aggregate's IOProc.
func (s *System) LastOutput(aggregateID hal.ObjectID) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[aggregateID]
	if !ok {
		return nil
	}
	return append([]float32(nil), a.last...)
}

// DeviceOutputPeak returns the peak of everything audible on a physical
// device after the last render: aggregate outputs routed to it plus the
// original audio of processes that are not exclusively captured, which plays
// on the default output.
func (s *System) DeviceOutputPeak(uid string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mix []float32
	add := func(src []float32) {
		if len(mix) < len(src) {
			mix = append(mix, make([]float32, len(src)-len(mix))...)
		}
		for i, v := range src {
			mix[i] += v
		}
	}
	for _, a := range s.aggregates {
		if a.desc.OutputDeviceUID == uid && !a.stalled {
			add(a.last)
		}
	}
	if s.defaults[hal.DefaultOutput] == uid {
		for _, p := range s.processes {
			if p.mode != InputSignal || s.exclusivelyCaptured(p.info.Object) {
				continue
			}
			add([]float32{p.amplitude})
		}
	}
	var peak float32
	for _, v := range mix {
		peak = max(peak, float32(math.Abs(float64(v))))
	}
	return peak
}

func (s *System) exclusivelyCaptured(obj hal.ObjectID) bool {
	for _, t := range s.taps {
		if t.desc.Mute != hal.ExclusiveCapture {
			continue
		}
		for _, p := range t.desc.Processes {
			if p == obj {
				return true
			}
		}
	}
	return false
}

// TapCount returns the number of live taps.
func (s *System) TapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

// AggregateCount returns the number of live aggregates.
func (s *System) AggregateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.aggregates)
}

// IOProcCount returns the number of registered IOProcs across aggregates.
func (s *System) IOProcCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.aggregates {
		n += len(a.procs)
	}
	return n
}

// TapMute returns the mute behaviour of a live tap.
func (s *System) TapMute(tap hal.ObjectID) (hal.MuteBehavior, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taps[tap]
	if !ok {
		return hal.PassThrough, false
	}
	return t.desc.Mute, true
}

// TapMutes returns the mute behaviour of every live tap, in id order.
func (s *System) TapMutes() []hal.MuteBehavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]hal.ObjectID, 0, len(s.taps))
	for id := range s.taps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]hal.MuteBehavior, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.taps[id].desc.Mute)
	}
	return out
}

// Aggregate returns the description of a live aggregate.
func (s *System) Aggregate(id hal.ObjectID) (hal.AggregateDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[id]
	if !ok {
		return hal.AggregateDescription{}, false
	}
	return a.desc, true
}

// AggregatesFor returns the ids of live aggregates whose output sub-device is
// uid, in creation order.
func (s *System) AggregatesFor(uid string) []hal.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []hal.ObjectID
	for id, a := range s.aggregates {
		if a.desc.OutputDeviceUID == uid {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Destroyed returns how many taps and aggregates have been destroyed.
func (s *System) Destroyed() (taps, aggregates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyedTaps, s.destroyedAggs
}

// Restarts returns how many service restarts were simulated.
func (s *System) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

var _ hal.System = (*System)(nil)
