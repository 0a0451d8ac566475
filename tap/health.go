package tap

import "fmt"

// BrokenCallbackThreshold is the callback delta above which a path with no
// output is considered disconnected rather than idle.
const BrokenCallbackThreshold = 50

// HealthSnapshot is a copy of a path's accumulating diagnostics. Counters
// only grow for the lifetime of a path; PathID changes when the primary path
// is replaced, which restarts them.
type HealthSnapshot struct {
	PathID            string
	CallbackCount     uint64
	BytesWritten      uint64
	EmptyInputCount   uint64
	InputHasDataCount uint64
	LastInputPeak     float32
	LastOutputPeak    float32
}

func (h HealthSnapshot) String() string {
	return fmt.Sprintf("callbacks=%d bytes=%d empty=%d input=%d in_peak=%.4f out_peak=%.4f",
		h.CallbackCount, h.BytesWritten, h.EmptyInputCount, h.InputHasDataCount, h.LastInputPeak, h.LastOutputPeak)
}

// Health is the outcome of comparing two snapshots.
type Health int

const (
	Healthy Health = iota
	// Stalled: the IO thread stopped calling back.
	Stalled
	// Broken: the IO thread runs but receives no audio; the underlying tap
	// was silently disconnected.
	Broken
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Stalled:
		return "stalled"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// ClassifyHealth compares two samples of the same path. Samples from
// different paths carry no delta and classify as healthy.
func ClassifyHealth(prev, cur HealthSnapshot) Health {
	if prev.PathID != cur.PathID || cur.CallbackCount < prev.CallbackCount {
		return Healthy
	}
	callbacks := cur.CallbackCount - prev.CallbackCount
	if callbacks == 0 {
		return Stalled
	}
	output := cur.BytesWritten - prev.BytesWritten
	empty := cur.EmptyInputCount - prev.EmptyInputCount
	if callbacks > BrokenCallbackThreshold && output == 0 && empty > callbacks/2 {
		return Broken
	}
	return Healthy
}

// PostCrossfadeFrozen reports a path whose input stopped after it took over
// from a crossfade: since baseline the IO thread kept running (at least
// minCallbacks callbacks) but no callback carried input data.
func PostCrossfadeFrozen(baseline, cur HealthSnapshot, minCallbacks uint64) bool {
	if baseline.PathID != cur.PathID || cur.CallbackCount < baseline.CallbackCount {
		return false
	}
	if cur.CallbackCount-baseline.CallbackCount < minCallbacks {
		return false
	}
	return cur.InputHasDataCount == baseline.InputHasDataCount
}
