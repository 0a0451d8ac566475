package dsp

import "math"

// BandCount is the number of graphic EQ bands.
const BandCount = 10

// BandFrequencies are the ISO octave band centres in Hz.
var BandFrequencies = [BandCount]float64{31.5, 63, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// Adaptive Q parameters.
const (
	BaseQ       = 1.2
	MinQ        = 0.9
	QSlopePerDB = 0.025
)

// Coefficients is one normalized biquad section (a0 == 1).
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Unity is the pass-through section.
var Unity = Coefficients{B0: 1}

// IsUnity reports whether c passes the signal through unchanged.
func (c Coefficients) IsUnity() bool {
	return c == Unity
}

// AdaptiveQ widens the band as gain magnitude grows so that large boosts
// stay broad instead of collapsing into a narrow spike.
func AdaptiveQ(gainDB float64) float64 {
	return math.Max(MinQ, BaseQ-math.Abs(gainDB)*QSlopePerDB)
}

// PeakingCoefficients computes an RBJ cookbook peaking section.
func PeakingCoefficients(frequency, q, gainDB, sampleRate float64) Coefficients {
	if gainDB == 0 || sampleRate <= 0 || frequency <= 0 || frequency >= 0.49*sampleRate {
		return Unity
	}
	omega := 2.0 * math.Pi * frequency / sampleRate
	sinOmega, cosOmega := math.Sincos(omega)
	A := math.Pow(10.0, gainDB/40.0)
	alpha := sinOmega / (2.0 * q)

	b0 := 1.0 + alpha*A
	b1 := -2.0 * cosOmega
	b2 := 1.0 - alpha*A
	a0 := 1.0 + alpha/A
	a1 := -2.0 * cosOmega
	a2 := 1.0 - alpha/A

	inv := 1.0 / a0
	return Coefficients{
		B0: b0 * inv,
		B1: b1 * inv,
		B2: b2 * inv,
		A1: a1 * inv,
		A2: a2 * inv,
	}
}

// CoefficientsForAllBands returns one peaking section per band, each using
// its own gain and adaptive Q.
func CoefficientsForAllBands(gains [BandCount]float64, sampleRate float64) [BandCount]Coefficients {
	var out [BandCount]Coefficients
	for i, g := range gains {
		out[i] = PeakingCoefficients(BandFrequencies[i], AdaptiveQ(g), g, sampleRate)
	}
	return out
}

// MagnitudeAt evaluates |H(e^jw)| of a section at the given frequency.
func (c Coefficients) MagnitudeAt(frequency, sampleRate float64) float64 {
	w := 2.0 * math.Pi * frequency / sampleRate
	s1, c1 := math.Sincos(w)
	s2, c2 := math.Sincos(2 * w)
	numRe := c.B0 + c.B1*c1 + c.B2*c2
	numIm := -(c.B1*s1 + c.B2*s2)
	denRe := 1 + c.A1*c1 + c.A2*c2
	denIm := -(c.A1*s1 + c.A2*s2)
	return math.Sqrt((numRe*numRe + numIm*numIm) / (denRe*denRe + denIm*denIm))
}
