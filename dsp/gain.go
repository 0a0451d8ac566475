package dsp

import (
	"math"
	"time"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/shaban/appmixer/buffer"
)

// ConvergedEpsilon is the distance below which a ramp is considered settled.
const ConvergedEpsilon float32 = 1e-4

// RampCoefficient returns the one-pole smoothing factor for a ramp time
// constant at the given sample rate. The result is in (0, 1].
func RampCoefficient(sampleRate float64, rampTime time.Duration) float32 {
	if sampleRate <= 0 || rampTime <= 0 {
		return 1
	}
	k := 1 - math.Exp(-1/(sampleRate*rampTime.Seconds()))
	if k <= 0 || k > 1 {
		return 1
	}
	return float32(k)
}

// ProcessBuffers copies in to out applying the volume ramp, the crossfade
// multiplier and the compensation factor, and soft-limits when the target is
// above unity. current holds the ramp state and is updated in place so the
// ramp continues seamlessly on the next call.
//
// Only min(len(in), len(out)) buffers are written; buffers whose data is nil
// on either side are skipped.
func ProcessBuffers(channels int, interleaved bool, in, out buffer.List, target float32, current *float32, rampCoefficient, crossfade, compensation float32) {
	if rampCoefficient <= 0 || rampCoefficient > 1 {
		rampCoefficient = 1
	}
	n := min(len(in), len(out))

	diff := *current - target
	if diff < 0 {
		diff = -diff
	}
	if diff < ConvergedEpsilon && target <= 1 {
		*current = target
		scaleBuffers(in[:n], out[:n], target*crossfade*compensation)
		return
	}

	limit := target > 1
	if interleaved {
		*current = rampInterleaved(channels, in[:n], out[:n], target, *current, rampCoefficient, crossfade*compensation, limit)
		return
	}
	*current = rampPlanar(in[:n], out[:n], target, *current, rampCoefficient, crossfade*compensation, limit)
}

// scaleBuffers is the converged fast path: one vectorized multiply per buffer.
func scaleBuffers(in, out buffer.List, gain float32) {
	for i := range in {
		src, dst := in[i].Data, out[i].Data
		if src == nil || dst == nil {
			continue
		}
		m := copy(dst, src)
		clear(dst[m:])
		if m == 0 || gain == 1 {
			continue
		}
		blas32.Scal(gain, blas32.Vector{N: m, Data: dst[:m], Inc: 1})
	}
}

// rampInterleaved advances the ramp once per frame of each buffer. Every
// buffer starts from the same ramp value so that channels carried in
// separate interleaved buffers stay aligned.
func rampInterleaved(channels int, in, out buffer.List, target, start, k, scale float32, limit bool) float32 {
	end := start
	for i := range in {
		src, dst := in[i].Data, out[i].Data
		if src == nil || dst == nil {
			continue
		}
		ch := channels
		if ch <= 0 {
			ch = in[i].Channels
		}
		if ch <= 0 {
			ch = 1
		}
		m := min(len(src), len(dst))
		v := start
		for f := 0; f+ch <= m; f += ch {
			v = step(v, target, k)
			g := v * scale
			for c := f; c < f+ch; c++ {
				s := src[c] * g
				if limit {
					s = SoftLimit(s)
				}
				dst[c] = s
			}
		}
		// a trailing partial frame has no ramp step of its own
		clear(dst[m-m%ch:])
		end = v
	}
	return end
}

// rampPlanar advances the ramp once per frame index shared by all channel
// buffers, bounded by the shortest buffer.
func rampPlanar(in, out buffer.List, target, start, k, scale float32, limit bool) float32 {
	frames := -1
	for i := range in {
		if in[i].Data == nil || out[i].Data == nil {
			continue
		}
		m := min(len(in[i].Data), len(out[i].Data))
		if frames < 0 || m < frames {
			frames = m
		}
	}
	if frames <= 0 {
		return start
	}
	v := start
	for f := 0; f < frames; f++ {
		v = step(v, target, k)
		g := v * scale
		for i := range in {
			src, dst := in[i].Data, out[i].Data
			if src == nil || dst == nil {
				continue
			}
			s := src[f] * g
			if limit {
				s = SoftLimit(s)
			}
			dst[f] = s
		}
	}
	for i := range out {
		if in[i].Data != nil && out[i].Data != nil {
			clear(out[i].Data[frames:])
		}
	}
	return v
}

// step advances the one-pole ramp. When the increment falls below float32
// resolution the ramp lands on the target instead of stalling short of it.
func step(v, target, k float32) float32 {
	next := v + (target-v)*k
	if next == v {
		return target
	}
	return next
}
