//go:build darwin && cgo

package coreaudio

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/appmixer/buffer"
	"github.com/shaban/appmixer/hal"
	"github.com/shaban/appmixer/internal/testutil"
)

func newSystem(t *testing.T) *System {
	t.Helper()
	testutil.SkipUnlessEnv(t, "APPMIXER_HW", "1")
	if testutil.IsCI() {
		t.Skip("no audio hardware on CI")
	}
	s, err := New()
	if errors.Is(err, ErrTapsUnavailable) {
		t.Skip(err.Error())
	}
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCheckMapsStatusCodes(t *testing.T) {
	assert.NoError(t, check("noop", 0))
	assert.ErrorIs(t, check("get", statusBadObject), hal.ErrBadObject)
	assert.ErrorIs(t, check("get", statusUnknownProperty), hal.ErrUnsupported)
	assert.ErrorIs(t, check("get", statusPermissions), hal.ErrPermission)

	var st *hal.Status
	require.ErrorAs(t, check("create aggregate device", 1852797029), &st)
	assert.Equal(t, "create aggregate device", st.Op)
	assert.Contains(t, st.Error(), "nope")
}

func TestDevicesAndDefaults(t *testing.T) {
	s := newSystem(t)

	list, err := s.Devices()
	require.NoError(t, err)
	require.NotEmpty(t, list)

	def, err := s.DefaultDevice(hal.DefaultOutput)
	require.NoError(t, err)

	var found bool
	for _, d := range list {
		assert.NotEmpty(t, d.UID)
		if d.ID == def {
			found = true
			assert.Positive(t, d.OutputChannels)
		}
	}
	assert.True(t, found, "default output is in the device list")

	rate, err := s.NominalSampleRate(def)
	require.NoError(t, err)
	assert.Positive(t, rate)
}

func TestProcessObjectUnknownPID(t *testing.T) {
	s := newSystem(t)
	_, err := s.ProcessObject(-1)
	assert.Error(t, err)
}

func TestTapAggregateRoundTrip(t *testing.T) {
	s := newSystem(t)
	testutil.SkipUnlessEnv(t, "APPMIXER_HW_TAP", "1")

	def, err := s.DefaultDevice(hal.DefaultOutput)
	require.NoError(t, err)
	var outputUID string
	list, err := s.Devices()
	require.NoError(t, err)
	for _, d := range list {
		if d.ID == def {
			outputUID = d.UID
		}
	}
	require.NotEmpty(t, outputUID)

	self, err := s.ProcessObject(os.Getpid())
	if err != nil {
		t.Skipf("test process has no audio process object: %v", err)
	}

	tapUUID := uuid.NewString()
	tapID, err := s.CreateProcessTap(hal.TapDescription{
		Name:      "appmixer test tap",
		UUID:      tapUUID,
		Processes: []hal.ObjectID{self},
		Private:   true,
		Mixdown:   true,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.DestroyProcessTap(tapID)) }()

	require.NoError(t, s.SetTapMuteBehavior(tapID, hal.ExclusiveCapture))
	require.NoError(t, s.SetTapMuteBehavior(tapID, hal.PassThrough))

	aggID, err := s.CreateAggregateDevice(hal.AggregateDescription{
		Name:              "appmixer test aggregate",
		UID:               "com.shaban.appmixer.test." + tapUUID,
		OutputDeviceUID:   outputUID,
		TapUUID:           tapUUID,
		Private:           true,
		DriftCompensation: true,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.DestroyAggregateDevice(aggID)) }()

	after, err := s.Devices()
	require.NoError(t, err)
	for _, d := range after {
		assert.NotEqual(t, aggID, d.ID, "own aggregates are hidden")
	}

	calls := make(chan struct{}, 1)
	procID, err := s.StartIO(aggID, func(in, out buffer.List) {
		out.Silence()
		select {
		case calls <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Error("IOProc never called")
	}
	require.NoError(t, s.StopIO(aggID, procID))
	assert.ErrorIs(t, s.StopIO(aggID, procID), hal.ErrBadObject)
}

func TestListenAndCancel(t *testing.T) {
	s := newSystem(t)
	cancel, err := s.Listen(func(hal.Event) {})
	require.NoError(t, err)
	cancel()
	cancel()
}
