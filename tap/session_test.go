package tap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/appmixer/buffer"
	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/engine/queue"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/hal/sim"
	"github.com/shaban/appmixer/internal/testutil"
)

const playerPID = 501

type fixture struct {
	sys     *sim.System
	q       *queue.Queue
	catalog *devices.Catalog
	session *Session

	mu      sync.Mutex
	results []SwitchResult
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupTimeout = 100 * time.Millisecond
	cfg.CrossfadeDuration = 20 * time.Millisecond
	cfg.CrossfadeTimeout = 500 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	return cfg
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{sys: sim.NewWithDefaults(), q: queue.New(64)}
	f.sys.AddProcess(playerPID, "com.example.player", "Player", 440)
	f.q.Start()
	t.Cleanup(f.q.Close)

	var err error
	f.catalog, err = devices.NewCatalog(f.sys)
	require.NoError(t, err)
	t.Cleanup(f.catalog.Close)

	opts.OnSwitch = func(r SwitchResult) {
		f.mu.Lock()
		f.results = append(f.results, r)
		f.mu.Unlock()
	}
	if opts.Volume == 0 {
		opts.Volume = 1
	}
	f.session = New(Target{PID: playerPID, BundleID: "com.example.player", Name: "Player"}, f.sys, f.q, testConfig(), opts)
	t.Cleanup(func() { _ = f.q.RunSync(func(context.Context) error { f.session.Close(); return nil }) })
	return f
}

func (f *fixture) device(t *testing.T, uid string) devices.Descriptor {
	t.Helper()
	d, ok := f.catalog.Output(uid)
	require.True(t, ok, uid)
	return d
}

// on runs fn on the control queue.
func (f *fixture) on(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.q.RunSync(func(context.Context) error { fn(); return nil }))
}

func (f *fixture) phase(t *testing.T) Phase {
	var p Phase
	f.on(t, func() { p = f.session.State().Phase() })
	return p
}

func (f *fixture) snapshot(t *testing.T) HealthSnapshot {
	var h HealthSnapshot
	f.on(t, func() { h = f.session.Snapshot() })
	return h
}

func (f *fixture) switchResults() []SwitchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SwitchResult(nil), f.results...)
}

func (f *fixture) render(n int) {
	for i := 0; i < n; i++ {
		f.sys.Render(256)
	}
}

func (f *fixture) renderInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sys.Run(ctx, time.Millisecond, 256)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) open(t *testing.T, uid string) {
	t.Helper()
	d := f.device(t, uid)
	var err error
	f.on(t, func() { err = f.session.Open(d) })
	require.NoError(t, err)
}

func TestSessionOpenRendersScaledAudio(t *testing.T) {
	f := newFixture(t, Options{Volume: 0.5})
	f.open(t, "BuiltInSpeakerDevice")

	assert.Equal(t, 1, f.sys.TapCount())
	assert.Equal(t, 1, f.sys.AggregateCount())
	aggs := f.sys.AggregatesFor("BuiltInSpeakerDevice")
	require.Len(t, aggs, 1)
	desc, _ := f.sys.Aggregate(aggs[0])
	assert.True(t, desc.Private)
	assert.True(t, desc.DriftCompensation)

	f.render(8)
	var peak float32
	for _, v := range f.sys.LastOutput(aggs[0]) {
		peak = max(peak, v)
	}
	// 0.5 amplitude source at 0.5 volume
	assert.InDelta(t, 0.25, peak, 0.01)

	h := f.snapshot(t)
	assert.Equal(t, uint64(8), h.CallbackCount)
	assert.Equal(t, uint64(8), h.InputHasDataCount)
	assert.Equal(t, uint64(8*256*2*4), h.BytesWritten)
	assert.Greater(t, h.LastInputPeak, float32(0.4))
}

func TestSessionMuteRampsToSilence(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.render(2)

	f.on(t, func() { f.session.SetMuted(true) })
	f.render(50)

	var level float32
	f.on(t, func() { level = f.session.Peak() })
	assert.Less(t, level, float32(1e-3))
	f.on(t, func() { assert.True(t, f.session.Muted()) })
}

func TestSessionVolumeClamped(t *testing.T) {
	f := newFixture(t, Options{})
	f.on(t, func() {
		f.session.SetVolume(5)
		assert.Equal(t, float32(MaxVolume), f.session.Volume())
		f.session.SetVolume(-1)
		assert.Equal(t, float32(0), f.session.Volume())
	})
}

func TestSessionCreationFailuresLeaveSessionAbsent(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.device(t, "BuiltInSpeakerDevice")

	f.sys.FailNextTaps(1)
	var err error
	f.on(t, func() { err = f.session.Open(d) })
	assert.ErrorIs(t, err, ErrCreateTap)

	f.sys.FailNextAggregates(1)
	f.on(t, func() { err = f.session.Open(d) })
	assert.ErrorIs(t, err, ErrCreateAggregate)
	assert.Zero(t, f.sys.TapCount(), "tap is destroyed when the aggregate fails")

	f.on(t, func() {
		assert.False(t, f.session.Active())
		err = f.session.Open(d)
	})
	assert.NoError(t, err)
}

func TestSessionHealthClassification(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.render(5)

	prev := f.snapshot(t)
	f.render(60)
	assert.Equal(t, Healthy, ClassifyHealth(prev, f.snapshot(t)))

	f.sys.SetInputMode(playerPID, sim.InputEmpty)
	prev = f.snapshot(t)
	f.render(60)
	assert.Equal(t, Broken, ClassifyHealth(prev, f.snapshot(t)))

	f.sys.SetInputMode(playerPID, sim.InputSignal)
	f.sys.Stall(f.sys.AggregatesFor("BuiltInSpeakerDevice")[0], true)
	prev = f.snapshot(t)
	f.render(10)
	assert.Equal(t, Stalled, ClassifyHealth(prev, f.snapshot(t)))
}

func TestSessionCrossfadeSwitch(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.on(t, func() { require.NoError(t, f.session.SetMuteBehavior(hal.ExclusiveCapture)) })
	f.renderInBackground(t)

	usb := f.device(t, "USBHeadset-0001")
	var switchCtx context.Context
	f.on(t, func() {
		require.NoError(t, f.session.SwitchDevice(usb))
		switchCtx = f.session.switchCtx
	})
	require.NotNil(t, switchCtx)

	require.Eventually(t, func() bool {
		return f.phase(t) == PhaseIdle && len(f.sys.AggregatesFor("BuiltInSpeakerDevice")) == 0
	}, 2*time.Second, 2*time.Millisecond)
	assert.ErrorIs(t, switchCtx.Err(), context.Canceled, "completed switch releases its context")

	results := f.switchResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].Destructive)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "USBHeadset-0001", results[0].Device.UID)

	assert.Equal(t, 1, f.sys.TapCount())
	aggs := f.sys.AggregatesFor("USBHeadset-0001")
	require.Len(t, aggs, 1)

	f.on(t, func() {
		assert.Equal(t, "USBHeadset-0001", f.session.Device().UID)
		assert.True(t, f.session.RecentlyCrossfaded(time.Minute))
		assert.Equal(t, hal.ExclusiveCapture, f.session.primary.mute, "promoted path inherits exclusive capture")
	})
}

func TestSessionWarmupFailureFallsBackToDestructive(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.renderInBackground(t)

	// the secondary never receives data, so it never warms up
	f.sys.SetInputMode(playerPID, sim.InputEmpty)
	usb := f.device(t, "USBHeadset-0001")
	f.on(t, func() { require.NoError(t, f.session.SwitchDevice(usb)) })

	require.Eventually(t, func() bool { return len(f.switchResults()) == 1 }, 2*time.Second, 2*time.Millisecond)
	r := f.switchResults()[0]
	assert.True(t, r.Destructive)
	assert.NoError(t, r.Err)
	assert.Equal(t, PhaseIdle, f.phase(t))
	assert.Len(t, f.sys.AggregatesFor("USBHeadset-0001"), 1)
	assert.Empty(t, f.sys.AggregatesFor("BuiltInSpeakerDevice"))
	assert.Equal(t, 1, f.sys.TapCount())
}

func TestSessionSecondaryCreationFailureSwitchesDestructively(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")

	f.sys.FailNextAggregates(1)
	usb := f.device(t, "USBHeadset-0001")
	var err error
	f.on(t, func() { err = f.session.SwitchDevice(usb) })
	require.NoError(t, err)

	results := f.switchResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].Destructive)
	assert.Len(t, f.sys.AggregatesFor("USBHeadset-0001"), 1)
	assert.Equal(t, PhaseIdle, f.phase(t))
}

func TestSessionNewSwitchCancelsInFlight(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.sys.AddDevice(hal.DeviceInfo{UID: "HDMI-1", Name: "Display", Transport: hal.TransportHDMI, OutputChannels: 2})
	require.NoError(t, f.catalog.Sync())

	usb := f.device(t, "USBHeadset-0001")
	hdmi := f.device(t, "HDMI-1")
	// no rendering: the first switch is stuck warming up
	f.on(t, func() {
		require.NoError(t, f.session.SwitchDevice(usb))
		assert.Equal(t, PhaseWarmingUp, f.session.State().Phase())
		require.NoError(t, f.session.SwitchDevice(hdmi))
	})
	assert.Empty(t, f.sys.AggregatesFor("USBHeadset-0001"), "cancelled secondary is destroyed")

	f.renderInBackground(t)
	require.Eventually(t, func() bool { return len(f.sys.AggregatesFor("BuiltInSpeakerDevice")) == 0 && f.phase(t) == PhaseIdle }, 2*time.Second, 2*time.Millisecond)
	assert.Len(t, f.sys.AggregatesFor("HDMI-1"), 1)
	for _, r := range f.switchResults() {
		assert.Equal(t, "HDMI-1", r.Device.UID)
	}
}

func TestSessionSwitchToSameDeviceIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	d := f.device(t, "BuiltInSpeakerDevice")
	f.on(t, func() {
		require.NoError(t, f.session.SwitchDevice(d))
		assert.Equal(t, PhaseIdle, f.session.State().Phase())
	})
	assert.Equal(t, 1, f.sys.AggregateCount())
	assert.Empty(t, f.switchResults())
}

func TestSessionMuteBehaviourLiveAndFallback(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")

	var tapBefore hal.ObjectID
	f.on(t, func() {
		tapBefore = f.session.primary.tapID
		require.NoError(t, f.session.SetMuteBehavior(hal.ExclusiveCapture))
		assert.Equal(t, tapBefore, f.session.primary.tapID, "reconfigured in place")
	})
	mute, ok := f.sys.TapMute(tapBefore)
	require.True(t, ok)
	assert.Equal(t, hal.ExclusiveCapture, mute)

	f.sys.FailMuteChanges(true)
	f.on(t, func() {
		require.NoError(t, f.session.SetMuteBehavior(hal.PassThrough))
		assert.NotEqual(t, tapBefore, f.session.primary.tapID, "recreated after live change failed")
		assert.Equal(t, hal.PassThrough, f.session.primary.mute)
	})
	assert.Equal(t, 1, f.sys.TapCount())
}

func TestSessionFrozenAfterCrossfade(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.render(4)
	f.renderInBackground(t)

	usb := f.device(t, "USBHeadset-0001")
	f.on(t, func() { require.NoError(t, f.session.SwitchDevice(usb)) })
	require.Eventually(t, func() bool { return len(f.switchResults()) == 1 }, 2*time.Second, 2*time.Millisecond)

	f.on(t, func() { assert.False(t, f.session.FrozenAfterCrossfade(time.Minute, 20)) })

	f.sys.SetInputMode(playerPID, sim.InputSilence)
	time.Sleep(10 * time.Millisecond) // let in-flight renders with data pass
	var baseline HealthSnapshot
	f.on(t, func() {
		// move the baseline past buffers that still carried data
		f.session.crossfadeBaseline = f.session.Snapshot()
		baseline = f.session.crossfadeBaseline
	})
	require.Eventually(t, func() bool { return f.snapshot(t).CallbackCount > baseline.CallbackCount+20 }, 2*time.Second, 2*time.Millisecond)
	f.on(t, func() {
		assert.True(t, f.session.FrozenAfterCrossfade(time.Minute, 20))
		assert.False(t, f.session.FrozenAfterCrossfade(0, 20), "outside the window")
	})
}

func TestSessionRecreateAndClose(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")

	var before string
	f.on(t, func() {
		before = f.session.Snapshot().PathID
		require.NoError(t, f.session.Recreate())
		assert.NotEqual(t, before, f.session.Snapshot().PathID)
	})
	assert.Equal(t, 1, f.sys.TapCount())
	assert.Equal(t, 1, f.sys.IOProcCount())

	f.on(t, func() {
		f.session.Close()
		f.session.Close()
		assert.True(t, f.session.Closed())
		assert.ErrorIs(t, f.session.Open(f.device(t, "BuiltInSpeakerDevice")), ErrClosed)
		assert.ErrorIs(t, f.session.Recreate(), ErrClosed)
	})
	assert.Zero(t, f.sys.TapCount())
	assert.Zero(t, f.sys.AggregateCount())
	taps, aggs := f.sys.Destroyed()
	assert.Equal(t, 2, taps)
	assert.Equal(t, 2, aggs)
}

func TestSessionCloseAfterServiceRestart(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.sys.RestartService()

	// stale handles: teardown logs and carries on
	f.on(t, func() {
		f.session.ForceSilence()
		assert.NotPanics(t, f.session.Close)
	})
}

func TestSessionEQAppliesToLivePaths(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")

	bass := dsp.EQSettings{Gains: [dsp.BandCount]float64{10, 8, 5, 2}, Enabled: true}
	f.on(t, func() {
		f.session.SetEQ(bass)
		assert.InDelta(t, 0.3162, f.session.PreampScalar(), 1e-4)
		assert.True(t, f.session.primary.eq.Enabled())
	})
}

// TestBassBoostChainStaysBelowOriginalPeak drives the render callback
// directly with a 0 dBFS 31 Hz sine through preamp, EQ and limiter.
func TestBassBoostChainStaysBelowOriginalPeak(t *testing.T) {
	bass := dsp.EQSettings{Gains: [dsp.BandCount]float64{10, 8, 5, 2, 0, 0, 0, 0, 0, 0}, Enabled: true}
	s := New(Target{PID: 1}, sim.New(), nil, DefaultConfig(), Options{Volume: 1, EQ: bass})

	p := &path{id: "direct", rampK: 1, eq: dsp.NewEQProcessor(48000), current: 1}
	p.eq.Update(s.EQ())
	assert.InDelta(t, 0.3162, p.eq.PreampScalar(), 1e-4)

	proc := s.ioProc(p)
	const frames = 512
	signal := testutil.Sine(31, 48000, 48000, 1)
	var peak float32
	for off := 0; off+frames <= len(signal); off += frames {
		in := buffer.List{{Channels: 1, Data: signal[off : off+frames]}}
		out := buffer.NewPlanar(1, frames)
		proc(in, out)
		peak = max(peak, out.Peak())
	}
	assert.LessOrEqual(t, peak, float32(1))
	assert.Greater(t, peak, float32(0.3), "signal is attenuated, not removed")
}

// TestRenderPairsPreampWithItsCoefficients swaps EQ settings while the
// render callback runs. A peaking band has unity gain at DC, so with a DC
// input every buffer rendered from one settings set is flat: 0.2 scaled by
// the -12 dB preamp while boosted, 0.2 while bypassed. Mixing the preamp of
// one set with the filters of the other bends the buffer.
func TestRenderPairsPreampWithItsCoefficients(t *testing.T) {
	const sr = 48000.0
	var gains [dsp.BandCount]float64
	gains[5] = 12
	boost := dsp.EQSettings{Gains: gains, Enabled: true}

	s := New(Target{PID: 1}, sim.New(), nil, DefaultConfig(), Options{Volume: 1})
	p := &path{id: "direct", rampK: 1, eq: dsp.NewEQProcessor(sr), current: 1}
	p.eq.Update(boost)
	boosted := 0.2 * p.eq.PreampScalar()
	proc := s.ioProc(p)

	const frames = 64
	in := testutil.Constant(1, frames, 0.2)
	out := buffer.NewPlanar(1, frames)
	for n := 0; n < 200; n++ {
		proc(in, out)
	}
	require.InDelta(t, boosted, out[0].Data[frames-1], 1e-4, "filter settled on DC")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				p.eq.Update(dsp.EQSettings{})
			} else {
				p.eq.Update(boost)
			}
		}
	}()

	var bent int
	for n := 0; n < 20000; n++ {
		proc(in, out)
		level := out[0].Data[0]
		if !near(level, boosted) && !near(level, 0.2) {
			bent++
			continue
		}
		for _, v := range out[0].Data {
			if !near(v, level) {
				bent++
				break
			}
		}
	}
	cancel()
	wg.Wait()

	assert.Zero(t, bent, "buffers rendered with a mixed EQ snapshot")
}

func near(a, b float32) bool {
	d := a - b
	return d < 1e-4 && d > -1e-4
}

func TestSessionForceSilence(t *testing.T) {
	f := newFixture(t, Options{})
	f.open(t, "BuiltInSpeakerDevice")
	f.render(2)
	f.on(t, func() { f.session.ForceSilence() })
	f.render(2)
	agg := f.sys.AggregatesFor("BuiltInSpeakerDevice")[0]
	for _, v := range f.sys.LastOutput(agg) {
		require.Zero(t, v)
	}
}

func TestIllegalTransitions(t *testing.T) {
	s := New(Target{PID: 1}, sim.New(), nil, DefaultConfig(), Options{})

	err := s.transition(Crossfading{})
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.ErrorIs(t, s.transition(TearingDown{}), ErrIllegalTransition)
	assert.ErrorIs(t, s.transition(Idle{}), ErrIllegalTransition)

	require.NoError(t, s.transition(WarmingUp{}))
	assert.ErrorIs(t, s.transition(TearingDown{}), ErrIllegalTransition)
	assert.ErrorIs(t, s.transition(WarmingUp{}), ErrIllegalTransition)
	require.NoError(t, s.transition(Crossfading{}))
	assert.ErrorIs(t, s.transition(WarmingUp{}), ErrIllegalTransition)
	require.NoError(t, s.transition(TearingDown{}))
	assert.ErrorIs(t, s.transition(Crossfading{}), ErrIllegalTransition)
	require.NoError(t, s.transition(Idle{}))
}

func TestCanTransitionTable(t *testing.T) {
	phases := []Phase{PhaseIdle, PhaseWarmingUp, PhaseCrossfading, PhaseTearingDown}
	allowed := map[[2]Phase]bool{
		{PhaseIdle, PhaseWarmingUp}:          true,
		{PhaseWarmingUp, PhaseCrossfading}:   true,
		{PhaseWarmingUp, PhaseIdle}:          true,
		{PhaseCrossfading, PhaseTearingDown}: true,
		{PhaseCrossfading, PhaseIdle}:        true,
		{PhaseTearingDown, PhaseIdle}:        true,
	}
	for _, from := range phases {
		for _, to := range phases {
			assert.Equal(t, allowed[[2]Phase{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
