// Package buffer models the audio buffer lists handed to an IOProc.
//
// A List mirrors an OS AudioBufferList: each Buffer carries its own channel
// count and a slice over the sample memory. A nil Data slice stands in for a
// null data pointer and is skipped by every consumer. None of the helpers in
// this package allocate, so they are safe to call from the real-time thread.
package buffer

import "math"

// Buffer is one entry of a buffer list. Interleaved buffers carry several
// channels; planar (non-interleaved) lists carry one Buffer per channel.
type Buffer struct {
	Channels int
	Data     []float32
}

// Frames returns the number of frames held by the buffer.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return len(b.Data)
	}
	return len(b.Data) / b.Channels
}

// Bytes returns the size of the sample data in bytes (32-bit float samples).
func (b Buffer) Bytes() int {
	return len(b.Data) * 4
}

// List is an ordered set of buffers delivered together in one callback.
type List []Buffer

// Silence zeroes every buffer in the list - no allocations
func (l List) Silence() {
	for _, b := range l {
		clear(b.Data)
	}
}

// Peak returns the largest absolute sample value across all buffers.
func (l List) Peak() float32 {
	var peak float32
	for _, b := range l {
		for _, s := range b.Data {
			a := float32(math.Abs(float64(s)))
			if a > peak {
				peak = a
			}
		}
	}
	return peak
}

// Bytes returns the total payload size of the list in bytes.
func (l List) Bytes() int {
	n := 0
	for _, b := range l {
		n += b.Bytes()
	}
	return n
}

// Empty reports whether the list carries no sample data at all.
func (l List) Empty() bool {
	for _, b := range l {
		if len(b.Data) > 0 {
			return false
		}
	}
	return true
}

// Frames returns the frame count of the first non-empty buffer.
func (l List) Frames() int {
	for _, b := range l {
		if len(b.Data) > 0 {
			return b.Frames()
		}
	}
	return 0
}

// NewInterleaved allocates a single interleaved buffer. Not for RT use.
func NewInterleaved(channels, frames int) List {
	return List{{Channels: channels, Data: make([]float32, channels*frames)}}
}

// NewPlanar allocates one mono buffer per channel. Not for RT use.
func NewPlanar(channels, frames int) List {
	l := make(List, channels)
	for i := range l {
		l[i] = Buffer{Channels: 1, Data: make([]float32, frames)}
	}
	return l
}
