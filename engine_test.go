package appmixer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/appmixer/config"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/hal/sim"
	"github.com/shaban/appmixer/prefs"
	"github.com/shaban/appmixer/tap"
)

const (
	speakers = "BuiltInSpeakerDevice"
	headset  = "USBHeadset-0001"

	musicPID = 40501
)

var music = Application{PID: musicPID, BundleID: "com.apple.Music", Name: "Music"}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []DeviceNotice
}

func (n *noticeRecorder) DeviceDisconnected(d DeviceNotice) { n.add(d) }
func (n *noticeRecorder) DeviceReconnected(d DeviceNotice)  { n.add(d) }

func (n *noticeRecorder) add(d DeviceNotice) {
	n.mu.Lock()
	n.notices = append(n.notices, d)
	n.mu.Unlock()
}

func (n *noticeRecorder) all() []DeviceNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]DeviceNotice(nil), n.notices...)
}

type fixture struct {
	sys     *sim.System
	engine  *Engine
	prefs   *prefs.Memory
	notices *noticeRecorder
	errors  *errorRecorder
}

func testEngineConfig() config.Config {
	cfg := config.Default()
	// loops are driven by hand through CheckHealth and CheckPermission
	cfg.Health.Interval = time.Hour
	cfg.Permission.CheckInterval = time.Hour
	cfg.Crossfade.Duration = 20 * time.Millisecond
	cfg.Crossfade.WarmupTimeout = 300 * time.Millisecond
	cfg.Crossfade.Timeout = time.Second
	cfg.Recovery.StabilizationDelay = 20 * time.Millisecond
	return cfg
}

func newEngineFixture(t *testing.T, opts ...func(*EngineConfig)) *fixture {
	t.Helper()
	f := &fixture{
		sys:     sim.NewWithDefaults(),
		prefs:   prefs.NewMemory(),
		notices: &noticeRecorder{},
		errors:  &errorRecorder{},
	}
	cfg := testEngineConfig()
	ec := EngineConfig{
		Name:         "test",
		System:       f.sys,
		Config:       &cfg,
		Preferences:  f.prefs,
		Notifier:     f.notices,
		ErrorHandler: f.errors,
	}
	for _, opt := range opts {
		opt(&ec)
	}
	e, err := NewEngine(ec)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })
	f.engine = e
	return f
}

func (f *fixture) addMusic(t *testing.T) {
	t.Helper()
	f.sys.AddProcess(musicPID, music.BundleID, music.Name, 440)
	require.NoError(t, f.engine.ApplicationAppeared(music))
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

func (f *fixture) state(t *testing.T) AppState {
	t.Helper()
	st, err := f.engine.Application(musicPID)
	require.NoError(t, err)
	return st
}

// settledOn reports a single idle path playing on uid.
func (f *fixture) settledOn(uid string) func() bool {
	return func() bool {
		st, err := f.engine.Application(musicPID)
		if err != nil || !st.Active || st.Phase != tap.PhaseIdle || st.Device.UID != uid {
			return false
		}
		return len(f.sys.AggregatesFor(uid)) == 1 && f.sys.AggregateCount() == 1
	}
}

func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)

	bad := config.Default()
	bad.Volume.Default = 5
	_, err = NewEngine(EngineConfig{System: sim.NewWithDefaults(), Config: &bad})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestEngineLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	e := f.engine

	assert.True(t, e.IsRunning())
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	assert.NotEmpty(t, e.ID())
	assert.Equal(t, "test", e.Name())

	f.addMusic(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.False(t, e.IsRunning())
	assert.Equal(t, 0, f.sys.TapCount(), "close destroys every session")
	assert.Equal(t, 0, f.sys.AggregateCount())
	assert.ErrorIs(t, e.SetVolume(musicPID, 1), ErrNotRunning)
	assert.ErrorIs(t, e.Start(), ErrNotRunning)
}

func TestApplicationAppearedOpensOnDefaultOutput(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)

	st := f.state(t)
	assert.True(t, st.Active)
	assert.Equal(t, speakers, st.Device.UID)
	assert.Empty(t, st.PreferredDevice)
	assert.Equal(t, float32(1), st.Volume)
	assert.Equal(t, hal.PassThrough, st.Mute, "exclusive capture waits for permission")
	assert.Equal(t, []hal.MuteBehavior{hal.PassThrough}, f.sys.TapMutes())
	assert.Len(t, f.sys.AggregatesFor(speakers), 1)

	// repeated appearance is idempotent
	require.NoError(t, f.engine.ApplicationAppeared(music))
	assert.Equal(t, 1, f.sys.TapCount())

	apps, err := f.engine.Applications()
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "com.apple.Music", apps[0].PersistenceKey())
}

func TestApplicationStartsFromPreferences(t *testing.T) {
	f := newEngineFixture(t)
	eq := dsp.EQSettings{Enabled: true}
	eq.Gains[0] = 6
	require.NoError(t, f.prefs.Save(music.BundleID, prefs.App{Volume: 0.5, Muted: true, EQ: eq, DeviceUID: headset}))

	f.addMusic(t)

	st := f.state(t)
	assert.Equal(t, headset, st.Device.UID)
	assert.Equal(t, float32(0.5), st.Volume)
	assert.True(t, st.Muted)
	assert.Equal(t, 6.0, st.EQ.Gains[0])
	assert.Len(t, f.sys.AggregatesFor(headset), 1)
}

func TestApplicationFallsBackWhenPreferredDeviceIsAbsent(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.prefs.Save(music.BundleID, prefs.App{Volume: 1, DeviceUID: "AirPods"}))

	f.addMusic(t)

	st := f.state(t)
	assert.Equal(t, speakers, st.Device.UID)
	assert.Equal(t, "AirPods", st.PreferredDevice, "preference survives the fallback")
}

func TestVolumeMuteAndEQPersist(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	e := f.engine

	require.NoError(t, e.SetVolume(musicPID, 3))
	v, err := e.Volume(musicPID)
	require.NoError(t, err)
	assert.Equal(t, float32(tap.MaxVolume), v)

	require.NoError(t, e.SetMuted(musicPID, true))
	muted, err := e.Muted(musicPID)
	require.NoError(t, err)
	assert.True(t, muted)

	var eq dsp.EQSettings
	eq.Enabled = true
	eq.Gains[3] = 20
	require.NoError(t, e.SetEQ(musicPID, eq))
	got, err := e.EQ(musicPID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.Gains[3], "bands clamp to 12 dB")

	saved, ok := f.prefs.Load(music.BundleID)
	require.True(t, ok)
	assert.Equal(t, float32(tap.MaxVolume), saved.Volume)
	assert.True(t, saved.Muted)
	assert.Equal(t, 12.0, saved.EQ.Gains[3])

	assert.ErrorIs(t, e.SetVolume(9999, 1), ErrUnknownApplication)
	_, err = e.Level(9999)
	assert.ErrorIs(t, err, ErrUnknownApplication)
}

type failingStore struct{ prefs.Store }

func (failingStore) Save(string, prefs.App) error { return errors.New("disk full") }

func TestStatusCountsHandledErrors(t *testing.T) {
	f := newEngineFixture(t, func(ec *EngineConfig) {
		ec.Preferences = failingStore{Store: prefs.NewMemory()}
	})
	f.addMusic(t)

	st, err := f.engine.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Errors)
	assert.Empty(t, st.LastError)

	require.NoError(t, f.engine.SetVolume(musicPID, 0.5))
	require.NoError(t, f.engine.SetMuted(musicPID, true))

	handled := f.errors.all()
	require.Len(t, handled, 2, "errors still reach the configured handler")
	st, err = f.engine.Status()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Errors)
	assert.Contains(t, st.LastError, "saving preferences for com.apple.Music")
	assert.Contains(t, st.LastError, "disk full")
}

func TestMutedApplicationRendersSilence(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	require.NoError(t, f.engine.SetMuted(musicPID, true))

	f.render(80)
	level, err := f.engine.Level(musicPID)
	require.NoError(t, err)
	assert.Less(t, level, float32(1e-3))
}

func TestSetRouteCrossfades(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	f.renderInBackground(t)

	require.NoError(t, f.engine.SetRoute(musicPID, headset))
	assert.Eventually(t, f.settledOn(headset), 2*time.Second, 5*time.Millisecond)

	preferred, current, err := f.engine.Route(musicPID)
	require.NoError(t, err)
	assert.Equal(t, headset, preferred)
	assert.Equal(t, headset, current.UID)

	assert.ErrorIs(t, f.engine.SetRoute(musicPID, "nope"), ErrUnknownDevice)

	require.NoError(t, f.engine.SetRoute(musicPID, ""))
	assert.Eventually(t, f.settledOn(speakers), 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.errors.all())
}

func TestDisconnectMovesToDefaultAndReconnectReturns(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.prefs.Save(music.BundleID, prefs.App{Volume: 1, DeviceUID: headset}))
	f.addMusic(t)
	f.renderInBackground(t)

	f.sys.RemoveDevice(headset)
	assert.Eventually(t, f.settledOn(speakers), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, headset, f.state(t).PreferredDevice)

	f.sys.AddDevice(hal.DeviceInfo{
		UID:            headset,
		Name:           "USB Headset",
		Transport:      hal.TransportUSB,
		InputChannels:  1,
		OutputChannels: 2,
	})
	assert.Eventually(t, f.settledOn(headset), 2*time.Second, 5*time.Millisecond)

	notices := f.notices.all()
	require.Len(t, notices, 2)
	assert.Equal(t, DeviceNotice{Name: "USB Headset", UID: headset, RoutingChanged: true}, notices[0])
	assert.Equal(t, DeviceNotice{Name: "USB Headset", UID: headset, Connected: true, RoutingChanged: true}, notices[1])
}

func TestNewDeviceIsNotAReconnect(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)

	f.sys.AddDevice(hal.DeviceInfo{UID: "BT-1", Name: "Speaker", OutputChannels: 2, Transport: hal.TransportBluetooth})
	require.NoError(t, f.engine.Sync())
	require.NoError(t, f.engine.Sync())

	assert.Empty(t, f.notices.all())
	assert.Equal(t, speakers, f.state(t).Device.UID)
}

func TestDefaultChangeMovesFollowersOnly(t *testing.T) {
	f := newEngineFixture(t)
	f.sys.AddProcess(600, "com.tinyspeck.slackmacgap", "Slack", 880)
	require.NoError(t, f.prefs.Save("com.tinyspeck.slackmacgap", prefs.App{Volume: 1, DeviceUID: speakers}))
	require.NoError(t, f.engine.ApplicationAppeared(Application{PID: 600, BundleID: "com.tinyspeck.slackmacgap", Name: "Slack"}))
	f.addMusic(t)
	f.renderInBackground(t)

	f.sys.SetDefault(hal.DefaultOutput, headset)

	assert.Eventually(t, func() bool {
		st, err := f.engine.Application(musicPID)
		return err == nil && st.Phase == tap.PhaseIdle && st.Device.UID == headset && len(f.sys.AggregatesFor(headset)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	slack, err := f.engine.Application(600)
	require.NoError(t, err)
	assert.Equal(t, speakers, slack.Device.UID, "explicit route is kept")
	def, ok := f.engine.DefaultOutput()
	require.True(t, ok)
	assert.Equal(t, headset, def.UID)
}

func TestPermissionConfirmationPromotesExclusiveCapture(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)

	require.NoError(t, f.engine.CheckPermission())
	assert.False(t, f.engine.PermissionConfirmed(), "no callbacks yet")

	f.render(20)
	require.NoError(t, f.engine.CheckPermission())
	assert.True(t, f.engine.PermissionConfirmed())
	assert.Equal(t, []hal.MuteBehavior{hal.ExclusiveCapture}, f.sys.TapMutes())

	// later sessions start exclusive
	f.sys.AddProcess(600, "com.google.Chrome", "Chrome", 220)
	require.NoError(t, f.engine.ApplicationAppeared(Application{PID: 600, BundleID: "com.google.Chrome", Name: "Chrome"}))
	assert.Equal(t, []hal.MuteBehavior{hal.ExclusiveCapture, hal.ExclusiveCapture}, f.sys.TapMutes())
}

func TestDeniedPermissionIsNeverConfirmed(t *testing.T) {
	f := newEngineFixture(t)
	f.sys.SetPermission(false)
	f.addMusic(t)

	f.render(50)
	require.NoError(t, f.engine.CheckPermission())
	assert.False(t, f.engine.PermissionConfirmed())
	assert.Equal(t, []hal.MuteBehavior{hal.PassThrough}, f.sys.TapMutes())
}

func TestHealthCheckRecreatesStalledSession(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)

	require.NoError(t, f.engine.CheckHealth())
	f.render(5)
	require.NoError(t, f.engine.CheckHealth())
	taps, _ := f.sys.Destroyed()
	assert.Equal(t, 0, taps, "healthy session is left alone")

	require.NoError(t, f.engine.CheckHealth())
	taps, aggs := f.sys.Destroyed()
	assert.Equal(t, 1, taps, "no callbacks since the last check")
	assert.Equal(t, 1, aggs)
	assert.Equal(t, 1, f.sys.TapCount())
	assert.True(t, f.state(t).Active)
}

func TestHealthCheckRecreatesBrokenSession(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	f.sys.SetInputMode(musicPID, sim.InputEmpty)

	require.NoError(t, f.engine.CheckHealth())
	f.render(60)
	require.NoError(t, f.engine.CheckHealth())

	taps, _ := f.sys.Destroyed()
	assert.Equal(t, 1, taps)
}

func TestHealthCheckReopensFailedSession(t *testing.T) {
	f := newEngineFixture(t)
	f.sys.AddProcess(musicPID, music.BundleID, music.Name, 440)
	f.sys.FailNextTaps(1)

	err := f.engine.ApplicationAppeared(music)
	assert.ErrorIs(t, err, tap.ErrCreateTap)
	assert.False(t, f.state(t).Active)

	require.NoError(t, f.engine.CheckHealth())
	assert.True(t, f.state(t).Active)
	assert.Equal(t, 1, f.sys.TapCount())
}

func TestServiceRestartRebuildsSessions(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	require.NoError(t, f.engine.SetVolume(musicPID, 0.7))

	f.sys.RestartService()

	assert.Eventually(t, func() bool {
		st, err := f.engine.Application(musicPID)
		return err == nil && st.Active && !f.engine.Recovering()
	}, 2*time.Second, 5*time.Millisecond)

	st := f.state(t)
	assert.Equal(t, float32(0.7), st.Volume)
	assert.Equal(t, speakers, st.Device.UID)
	assert.Eventually(t, func() bool { return f.sys.TapCount() == 1 }, time.Second, 5*time.Millisecond)

	status, err := f.engine.Status()
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Restarts)
	assert.False(t, status.Recovering)
}

func TestServiceRestartDuringDelayStartsOver(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Recovery.StabilizationDelay = 100 * time.Millisecond
	f := newEngineFixture(t, func(ec *EngineConfig) { ec.Config = &cfg })
	f.addMusic(t)

	f.sys.RestartService()
	require.NoError(t, f.engine.Sync())
	require.NoError(t, f.engine.Sync())
	assert.True(t, f.engine.Recovering())
	_, err := f.engine.Level(musicPID)
	assert.ErrorIs(t, err, ErrRecovering)

	// settings changed while recovering are applied on rebuild
	require.NoError(t, f.engine.SetVolume(musicPID, 0.3))
	f.sys.RestartService()

	assert.Eventually(t, func() bool {
		st, err := f.engine.Application(musicPID)
		return err == nil && st.Active
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float32(0.3), f.state(t).Volume)
	assert.Equal(t, 1, f.sys.TapCount())
}

func TestApplicationDisappearedClosesSession(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)

	require.NoError(t, f.engine.ApplicationDisappeared(musicPID))
	assert.Equal(t, 0, f.sys.TapCount())
	assert.ErrorIs(t, f.engine.ApplicationDisappeared(musicPID), ErrUnknownApplication)

	apps, err := f.engine.Applications()
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestProcessMonitorDiscoversApplications(t *testing.T) {
	f := newEngineFixture(t, func(ec *EngineConfig) { ec.WatchProcesses = true })

	f.sys.AddProcess(musicPID, music.BundleID, music.Name, 440)
	assert.Eventually(t, func() bool {
		apps, err := f.engine.Applications()
		return err == nil && len(apps) == 1 && apps[0].Active
	}, time.Second, 5*time.Millisecond)

	f.sys.RemoveProcess(musicPID)
	assert.Eventually(t, func() bool {
		apps, err := f.engine.Applications()
		return err == nil && len(apps) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sys.TapCount())
}

func TestProcessMonitorKeepsPausedApplications(t *testing.T) {
	f := newEngineFixture(t, func(ec *EngineConfig) { ec.WatchProcesses = true })

	f.sys.AddProcess(musicPID, music.BundleID, music.Name, 440)
	f.sys.SetRunningOutput(musicPID, false)
	require.NoError(t, f.engine.Sync())
	require.NoError(t, f.engine.Sync())
	apps, err := f.engine.Applications()
	require.NoError(t, err)
	assert.Empty(t, apps, "a process that never played is not reported")

	f.sys.SetRunningOutput(musicPID, true)
	assert.Eventually(t, func() bool {
		apps, err := f.engine.Applications()
		return err == nil && len(apps) == 1 && apps[0].Active
	}, time.Second, 5*time.Millisecond)

	f.sys.SetRunningOutput(musicPID, false)
	require.NoError(t, f.engine.Sync())
	require.NoError(t, f.engine.Sync())
	apps, err = f.engine.Applications()
	require.NoError(t, err)
	require.Len(t, apps, 1, "pausing keeps the session")
	assert.Equal(t, 1, f.sys.TapCount())

	f.sys.RemoveProcess(musicPID)
	assert.Eventually(t, func() bool {
		apps, err := f.engine.Applications()
		return err == nil && len(apps) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceVolumeIsBestEffort(t *testing.T) {
	f := newEngineFixture(t)
	e := f.engine

	require.NoError(t, e.SetDeviceVolume(speakers, 0.25))
	assert.Equal(t, float32(0.25), e.DeviceVolume(speakers))

	f.sys.FailVolume(true)
	assert.Equal(t, float32(1), e.DeviceVolume(speakers))
	assert.NoError(t, e.SetDeviceVolume(speakers, 0.5))
	assert.ErrorIs(t, e.SetDeviceVolume("missing", 0.5), ErrUnknownDevice)
	assert.Equal(t, float32(1), e.DeviceVolume("missing"))
}

func TestDeviceListings(t *testing.T) {
	f := newEngineFixture(t)
	assert.ElementsMatch(t, []string{speakers, headset}, f.engine.OutputDevices().UIDs())
	assert.ElementsMatch(t, []string{"BuiltInMicrophoneDevice", headset}, f.engine.InputDevices().UIDs())
}

func TestSerializerRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	f.addMusic(t)
	require.NoError(t, f.engine.SetVolume(musicPID, 0.4))

	s := NewSerializer(f.engine)
	var buf bytes.Buffer
	require.NoError(t, s.SaveToWriter(&buf))

	require.NoError(t, f.engine.SetVolume(musicPID, 1.5))
	require.NoError(t, s.LoadFromReader(&buf))

	v, err := f.engine.Volume(musicPID)
	require.NoError(t, err)
	assert.Equal(t, float32(0.4), v)

	// entries for absent apps land in preferences
	require.NoError(t, s.SetState(MixState{Version: StateVersion, Apps: map[string]prefs.App{"Zoom": {Volume: 0.2}}}))
	zoom, ok := f.prefs.Load("Zoom")
	require.True(t, ok)
	assert.Equal(t, float32(0.2), zoom.Volume)

	assert.ErrorIs(t, s.SetState(MixState{Version: "0.1"}), ErrInvalidMixState)
}

func TestSerializerRejectsOutOfRangeState(t *testing.T) {
	f := newEngineFixture(t)
	s := NewSerializer(f.engine)

	var loud dsp.EQSettings
	loud.Gains[2] = 40
	cases := map[string]prefs.App{
		"volume too high": {Volume: 50},
		"negative volume": {Volume: -0.5},
		"NaN volume":      {Volume: float32(math.NaN())},
		"eq out of range": {Volume: 1, EQ: loud},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.SetState(MixState{Version: StateVersion, Apps: map[string]prefs.App{"com.example.Absent": p}})
			assert.ErrorIs(t, err, ErrInvalidMixState)
			_, saved := f.prefs.Load("com.example.Absent")
			assert.False(t, saved, "rejected state is not persisted")
		})
	}
}

func TestPermissionConfirmed(t *testing.T) {
	p := config.Default().Permission
	cases := []struct {
		name string
		h    tap.HealthSnapshot
		want bool
	}{
		{"fresh", tap.HealthSnapshot{}, false},
		{"too few callbacks", tap.HealthSnapshot{CallbackCount: 10, BytesWritten: 1, InputHasDataCount: 10}, false},
		{"no output", tap.HealthSnapshot{CallbackCount: 20, InputHasDataCount: 20}, false},
		{"input seen", tap.HealthSnapshot{CallbackCount: 20, BytesWritten: 1, InputHasDataCount: 1}, true},
		{"peak only", tap.HealthSnapshot{CallbackCount: 20, BytesWritten: 1, LastInputPeak: 0.01}, true},
		{"zeros", tap.HealthSnapshot{CallbackCount: 20, BytesWritten: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PermissionConfirmed(tc.h, p))
		})
	}
}
