// Package dsp holds the real-time signal chain run inside the IOProc:
// volume ramping, the 10-band graphic equalizer and the soft limiter.
//
// Everything reachable from Process/ProcessBuffers/SoftLimit is
// allocation-free and lock-free. Control-side setters compute new state and
// publish it atomically; the audio thread only loads.
package dsp

import (
	"math"

	"github.com/shaban/appmixer/buffer"
)

// Soft limiter knee.
const (
	LimiterThreshold float32 = 0.95
	LimiterCeiling   float32 = 1.0
)

const limiterHeadroom = LimiterCeiling - LimiterThreshold

// largest float32 below the ceiling
var limiterMax = math.Nextafter32(LimiterCeiling, 0)

// SoftLimit compresses samples above LimiterThreshold toward LimiterCeiling.
// Below the threshold the input is returned unchanged. The curve is odd,
// monotonic and continuous at the threshold.
func SoftLimit(x float32) float32 {
	mag := x
	if mag < 0 {
		mag = -mag
	}
	if mag <= LimiterThreshold {
		return x
	}
	overshoot := mag - LimiterThreshold
	y := LimiterThreshold + limiterHeadroom*(overshoot/(overshoot+limiterHeadroom))
	if y >= LimiterCeiling {
		// float32 rounding for huge overshoot
		y = limiterMax
	}
	if x < 0 {
		return -y
	}
	return y
}

// LimitBuffer applies SoftLimit in place to every buffer in the list.
func LimitBuffer(l buffer.List) {
	for _, b := range l {
		for i, s := range b.Data {
			if s > LimiterThreshold || s < -LimiterThreshold {
				b.Data[i] = SoftLimit(s)
			}
		}
	}
}
