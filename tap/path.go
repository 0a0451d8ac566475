package tap

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaban/appmixer/buffer"
	"github.com/shaban/appmixer/devices"
	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/hal"
)

// FallbackSampleRate is used when a device does not report its rate.
const FallbackSampleRate = 48000.0

// AggregateUIDPrefix prefixes the UID of every private aggregate.
const AggregateUIDPrefix = "com.shaban.appmixer.aggregate."

// fade attaches a path to a crossfade clock.
type fade struct {
	clock    *dsp.Crossfade
	incoming bool
}

// path is one tap + private aggregate + IOProc chain. Handles and closed are
// owned by the control goroutine; everything the IOProc touches is either
// immutable after start or atomic.
type path struct {
	id      string
	device  devices.Descriptor
	tapUUID string
	tapID   hal.ObjectID
	aggUID  string
	aggID   hal.ObjectID
	procID  hal.IOProcID
	mute    hal.MuteBehavior
	started bool
	closed  bool

	sampleRate float64
	rampK      float32
	eq         *dsp.EQProcessor

	// control → RT
	silenced atomic.Bool
	fade     atomic.Pointer[fade]

	// RT only
	current float32

	// RT → control
	callbacks  atomic.Uint64
	bytes      atomic.Uint64
	emptyInput atomic.Uint64
	inputData  atomic.Uint64
	inputPeak  atomic.Uint32
	outputPeak atomic.Uint32
}

// openPath creates and starts a path for the session's target on device.
// On failure everything created so far is destroyed.
func (s *Session) openPath(device devices.Descriptor, mute hal.MuteBehavior) (*path, error) {
	p := &path{
		id:      uuid.NewString(),
		device:  device,
		tapUUID: uuid.NewString(),
		mute:    mute,
	}
	p.aggUID = AggregateUIDPrefix + p.tapUUID

	obj, err := s.sys.ProcessObject(s.target.PID)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: resolve process %d: %w", ErrCreateTap, s.target, s.target.PID, err)
	}

	p.tapID, err = s.sys.CreateProcessTap(hal.TapDescription{
		Name:      fmt.Sprintf("appmixer tap for %s", s.target.DisplayName()),
		UUID:      p.tapUUID,
		Processes: []hal.ObjectID{obj},
		Mute:      mute,
		Private:   true,
		Mixdown:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrCreateTap, s.target, err)
	}

	p.aggID, err = s.sys.CreateAggregateDevice(hal.AggregateDescription{
		Name:              fmt.Sprintf("appmixer %s", s.target.DisplayName()),
		UID:               p.aggUID,
		OutputDeviceUID:   device.UID,
		TapUUID:           p.tapUUID,
		Private:           true,
		DriftCompensation: true,
	})
	if err != nil {
		s.destroyTap(p)
		return nil, fmt.Errorf("%w for %s on %q: %w", ErrCreateAggregate, s.target, device.UID, err)
	}

	p.sampleRate, err = s.sys.NominalSampleRate(p.aggID)
	if err != nil || p.sampleRate <= 0 {
		s.log.WithError(err).WithField("device", device.UID).Warn("sample rate unavailable, assuming 48 kHz")
		p.sampleRate = FallbackSampleRate
	}
	p.rampK = dsp.RampCoefficient(p.sampleRate, s.cfg.RampTime)
	p.eq = dsp.NewEQProcessor(p.sampleRate)
	p.eq.Update(s.eq)
	p.current = s.targetGain()

	p.procID, err = s.sys.StartIO(p.aggID, s.ioProc(p))
	if err != nil {
		s.destroyAggregate(p)
		s.destroyTap(p)
		return nil, fmt.Errorf("%w for %s on %q: %w", ErrStartIO, s.target, device.UID, err)
	}
	p.started = true

	s.log.WithFields(logrus.Fields{
		"path":        p.id,
		"device":      device.UID,
		"mute":        mute.String(),
		"sample_rate": p.sampleRate,
	}).Info("tap path started")
	return p, nil
}

// closePath silences and destroys p. Each path is destroyed at most once.
func (s *Session) closePath(p *path) {
	if p == nil || p.closed {
		return
	}
	p.closed = true
	p.silenced.Store(true)
	if p.started {
		if err := s.sys.StopIO(p.aggID, p.procID); err != nil {
			s.logDestroyError(err, "stop IO", p)
		}
	}
	s.destroyAggregate(p)
	s.destroyTap(p)
	s.log.WithFields(logrus.Fields{"path": p.id, "device": p.device.UID}).Debug("tap path destroyed")
}

func (s *Session) destroyAggregate(p *path) {
	if err := s.sys.DestroyAggregateDevice(p.aggID); err != nil {
		s.logDestroyError(err, "destroy aggregate", p)
	}
}

func (s *Session) destroyTap(p *path) {
	if err := s.sys.DestroyProcessTap(p.tapID); err != nil {
		s.logDestroyError(err, "destroy tap", p)
	}
}

// logDestroyError: stale handles after a service restart are expected.
func (s *Session) logDestroyError(err error, op string, p *path) {
	entry := s.log.WithError(err).WithFields(logrus.Fields{"op": op, "path": p.id})
	if errors.Is(err, hal.ErrBadObject) {
		entry.Debug("object already gone")
		return
	}
	entry.Warn("teardown failed")
}

// ioProc builds the real-time callback for p. It reads the session's target
// gain, the path's fade and one EQ snapshot per buffer, runs gain → EQ →
// limiter and updates the diagnostics. No allocation, locking or logging happens here.
func (s *Session) ioProc(p *path) hal.IOProc {
	return func(in, out buffer.List) {
		p.callbacks.Add(1)

		if in.Empty() {
			p.emptyInput.Add(1)
			out.Silence()
			p.inputPeak.Store(0)
			p.outputPeak.Store(0)
			return
		}

		inPeak := in.Peak()
		p.inputPeak.Store(math.Float32bits(inPeak))
		if inPeak > 0 {
			p.inputData.Add(1)
		}

		if p.silenced.Load() {
			out.Silence()
			p.outputPeak.Store(0)
			return
		}

		if len(out) > len(in) {
			out[len(in):].Silence()
		}

		multiplier := float32(1)
		f := p.fade.Load()
		if f != nil {
			primary, secondary := dsp.EqualPowerGains(f.clock.Progress())
			if f.incoming {
				multiplier = secondary
			} else {
				multiplier = primary
			}
		}

		eq := p.eq.Snapshot()
		channels, interleaved := layout(in)
		dsp.ProcessBuffers(channels, interleaved, in, out, s.targetGain(), &p.current, p.rampK, multiplier, eq.Preamp())
		if eq.Enabled() {
			p.eq.ProcessWith(eq, out)
			dsp.LimitBuffer(out)
		}

		if f != nil && f.incoming {
			f.clock.Advance(in.Frames())
		}
		p.bytes.Add(uint64(out.Bytes()))
		p.outputPeak.Store(math.Float32bits(out.Peak()))
	}
}

// layout infers the channel count and interleaving of a buffer list.
func layout(l buffer.List) (channels int, interleaved bool) {
	if len(l) > 0 && l[0].Channels > 1 {
		return l[0].Channels, true
	}
	return len(l), false
}

func (p *path) snapshot() HealthSnapshot {
	return HealthSnapshot{
		PathID:            p.id,
		CallbackCount:     p.callbacks.Load(),
		BytesWritten:      p.bytes.Load(),
		EmptyInputCount:   p.emptyInput.Load(),
		InputHasDataCount: p.inputData.Load(),
		LastInputPeak:     math.Float32frombits(p.inputPeak.Load()),
		LastOutputPeak:    math.Float32frombits(p.outputPeak.Load()),
	}
}

// ready reports a warmed-up path: it has called back and written output.
func (p *path) ready() bool {
	return p.callbacks.Load() > 0 && p.bytes.Load() > 0
}
