// Package testutil holds helpers shared by package tests: env-gated skips and
// deterministic test signals.
package testutil

import (
	"math"
	"os"
	"testing"

	"github.com/shaban/appmixer/buffer"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		return true
	}
	return false
}

// Sine returns frames samples of a sine at freq Hz with the given amplitude.
func Sine(freq, sampleRate float64, frames int, amplitude float32) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

// InterleavedSine returns a single interleaved buffer with the same sine on
// every channel.
func InterleavedSine(freq, sampleRate float64, channels, frames int, amplitude float32) buffer.List {
	mono := Sine(freq, sampleRate, frames, amplitude)
	l := buffer.NewInterleaved(channels, frames)
	for f, s := range mono {
		for c := 0; c < channels; c++ {
			l[0].Data[f*channels+c] = s
		}
	}
	return l
}

// PlanarSine returns one buffer per channel carrying the same sine.
func PlanarSine(freq, sampleRate float64, channels, frames int, amplitude float32) buffer.List {
	l := buffer.NewPlanar(channels, frames)
	for c := range l {
		copy(l[c].Data, Sine(freq, sampleRate, frames, amplitude))
	}
	return l
}

// Constant returns a planar list filled with v.
func Constant(channels, frames int, v float32) buffer.List {
	l := buffer.NewPlanar(channels, frames)
	for _, b := range l {
		for i := range b.Data {
			b.Data[i] = v
		}
	}
	return l
}
