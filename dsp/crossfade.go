package dsp

import (
	"math"
	"sync/atomic"
	"time"
)

// EqualPowerGains returns the outgoing and incoming gains for a crossfade
// progress in [0, 1]. primary² + secondary² == 1 for every progress.
func EqualPowerGains(progress float32) (primary, secondary float32) {
	if progress <= 0 {
		return 1, 0
	}
	if progress >= 1 {
		return 0, 1
	}
	s, c := math.Sincos(float64(progress) * math.Pi / 2)
	return float32(c), float32(s)
}

// Crossfade is the progress clock shared by the two paths of a device
// switch. The incoming path advances it by the frames it renders; both paths
// read the progress. Once armed it only moves forward.
type Crossfade struct {
	total  atomic.Int64
	frames atomic.Int64
	armed  atomic.Bool
}

// NewCrossfade creates a disarmed clock sized for duration at sampleRate.
func NewCrossfade(duration time.Duration, sampleRate float64) *Crossfade {
	c := &Crossfade{}
	total := int64(duration.Seconds() * sampleRate)
	if total < 1 {
		total = 1
	}
	c.total.Store(total)
	return c
}

// Arm starts the fade; Advance is a no-op until then.
func (c *Crossfade) Arm() {
	c.armed.Store(true)
}

// Armed reports whether the fade has started.
func (c *Crossfade) Armed() bool {
	return c.armed.Load()
}

// Advance moves the clock forward by frames rendered on the incoming path.
func (c *Crossfade) Advance(frames int) {
	if frames <= 0 || !c.armed.Load() {
		return
	}
	c.frames.Add(int64(frames))
}

// Progress returns the fade position in [0, 1].
func (c *Crossfade) Progress() float32 {
	if !c.armed.Load() {
		return 0
	}
	p := float64(c.frames.Load()) / float64(c.total.Load())
	if p >= 1 {
		return 1
	}
	return float32(p)
}

// Complete reports whether the fade has reached the incoming path fully.
func (c *Crossfade) Complete() bool {
	return c.Progress() >= 1
}
