package dsp

import (
	"math"
	"sync/atomic"

	"github.com/shaban/appmixer/buffer"
)

// Band gain limits in dB.
const (
	MinBandGainDB = -12.0
	MaxBandGainDB = 12.0
)

// MaxChannels is the number of channels with preallocated filter state.
// Channels beyond it pass through the equalizer unprocessed.
const MaxChannels = 16

// EQSettings is the user-facing equalizer configuration.
type EQSettings struct {
	Gains   [BandCount]float64 `json:"gains" yaml:"gains"`
	Enabled bool               `json:"enabled" yaml:"enabled"`
}

// Clamped returns a copy with every band limited to ±12 dB. NaN bands are
// treated as flat.
func (s EQSettings) Clamped() EQSettings {
	out := s
	for i, g := range out.Gains {
		switch {
		case math.IsNaN(g):
			out.Gains[i] = 0
		case g < MinBandGainDB:
			out.Gains[i] = MinBandGainDB
		case g > MaxBandGainDB:
			out.Gains[i] = MaxBandGainDB
		}
	}
	return out
}

// IsFlat reports whether every band is at 0 dB.
func (s EQSettings) IsFlat() bool {
	for _, g := range s.Gains {
		if g != 0 {
			return false
		}
	}
	return true
}

// PreampDB is the pre-EQ attenuation that keeps the largest boost from
// raising the absolute level: -max(0, max(gains)).
func PreampDB(gains [BandCount]float64) float64 {
	maxGain := 0.0
	for _, g := range gains {
		if g > maxGain {
			maxGain = g
		}
	}
	return -maxGain
}

// PreampScalar converts PreampDB to a linear factor.
func PreampScalar(gains [BandCount]float64) float64 {
	return math.Pow(10.0, PreampDB(gains)/20.0)
}

// EQSnapshot is an immutable coefficient set published to the audio thread.
// The audio thread loads it once per buffer so preamp, bypass and
// coefficients always come from the same settings.
type EQSnapshot struct {
	coeffs [BandCount]Coefficients
	active [BandCount]bool
	preamp float32
	bypass bool
}

// Preamp returns the linear pre-EQ attenuation, 1 when bypassed.
func (s *EQSnapshot) Preamp() float32 {
	if s == nil {
		return 1
	}
	return s.preamp
}

// Enabled reports whether the snapshot processes audio.
func (s *EQSnapshot) Enabled() bool {
	return s != nil && !s.bypass
}

type biquadState struct {
	x1, x2, y1, y2 float64
}

// EQProcessor runs the 10-section peaking cascade per channel in place.
//
// Update and SetSampleRate belong to the control goroutine; Process and
// PreampScalar belong to the audio thread. The two sides share only the
// atomically published snapshot.
type EQProcessor struct {
	snap atomic.Pointer[EQSnapshot]

	// control side
	settings   EQSettings
	sampleRate float64

	// audio side
	state [MaxChannels][BandCount]biquadState
}

// NewEQProcessor creates a bypassed equalizer for the given sample rate.
func NewEQProcessor(sampleRate float64) *EQProcessor {
	e := &EQProcessor{sampleRate: sampleRate}
	e.publish()
	return e
}

// Update recomputes coefficients and preamp for new settings and publishes
// them for the next buffer.
func (e *EQProcessor) Update(settings EQSettings) {
	e.settings = settings.Clamped()
	e.publish()
}

// SetSampleRate recomputes coefficients for a new device rate.
func (e *EQProcessor) SetSampleRate(sampleRate float64) {
	if sampleRate <= 0 || sampleRate == e.sampleRate {
		return
	}
	e.sampleRate = sampleRate
	e.publish()
}

// Settings returns the last applied settings.
func (e *EQProcessor) Settings() EQSettings {
	return e.settings
}

// SampleRate returns the rate the coefficients were computed for.
func (e *EQProcessor) SampleRate() float64 {
	return e.sampleRate
}

func (e *EQProcessor) publish() {
	s := &EQSnapshot{preamp: 1, bypass: true}
	if e.settings.Enabled && !e.settings.IsFlat() {
		s.bypass = false
		s.coeffs = CoefficientsForAllBands(e.settings.Gains, e.sampleRate)
		for i, c := range s.coeffs {
			s.active[i] = !c.IsUnity()
		}
		s.preamp = float32(PreampScalar(e.settings.Gains))
	}
	e.snap.Store(s)
}

// Snapshot returns the currently published coefficient set.
func (e *EQProcessor) Snapshot() *EQSnapshot {
	return e.snap.Load()
}

// PreampScalar returns the linear pre-EQ attenuation, 1 when bypassed.
func (e *EQProcessor) PreampScalar() float32 {
	return e.snap.Load().Preamp()
}

// Enabled reports whether the published snapshot processes audio.
func (e *EQProcessor) Enabled() bool {
	return e.snap.Load().Enabled()
}

// Process filters every channel of the list in place with the current
// snapshot.
func (e *EQProcessor) Process(l buffer.List) {
	e.ProcessWith(e.snap.Load(), l)
}

// ProcessWith filters l with a snapshot the caller already loaded.
// Interleaved and planar lists are both handled by walking each buffer with
// its channel stride.
func (e *EQProcessor) ProcessWith(s *EQSnapshot, l buffer.List) {
	if !s.Enabled() {
		return
	}
	chBase := 0
	for _, b := range l {
		stride := b.Channels
		if stride <= 0 {
			stride = 1
		}
		if b.Data == nil {
			chBase += stride
			continue
		}
		for c := 0; c < stride; c++ {
			ch := chBase + c
			if ch >= MaxChannels {
				break
			}
			e.processChannel(s, b.Data, c, stride, &e.state[ch])
		}
		chBase += stride
	}
}

func (e *EQProcessor) processChannel(s *EQSnapshot, data []float32, offset, stride int, st *[BandCount]biquadState) {
	for band := 0; band < BandCount; band++ {
		if !s.active[band] {
			continue
		}
		c := &s.coeffs[band]
		z := &st[band]
		x1, x2, y1, y2 := z.x1, z.x2, z.y1, z.y2
		for i := offset; i < len(data); i += stride {
			x0 := float64(data[i])
			// Direct Form I
			y0 := c.B0*x0 + c.B1*x1 + c.B2*x2 - c.A1*y1 - c.A2*y2
			x2, x1 = x1, x0
			y2, y1 = y1, y0
			data[i] = float32(y0)
		}
		z.x1, z.x2, z.y1, z.y2 = x1, x2, y1, y2
	}
}

// Reset clears the filter history. Only call while no IOProc is running.
func (e *EQProcessor) Reset() {
	e.state = [MaxChannels][BandCount]biquadState{}
}
