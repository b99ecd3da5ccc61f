package grid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when a buffer or sample slice does not match
// the frame geometry.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(got, want int, what string) error {
	return fmt.Errorf("%w: got %d %s, want %d", ErrMalformedFrame, got, what, want)
}

// Decode interprets buf as a frame of geometry g and returns the unscaled
// grid. No partial grid is ever returned.
func Decode(g Geometry, buf []byte) (*Grid, error) {
	if len(buf) != g.FrameBytes() || g.ElementSize != ElementSize {
		return nil, malformed(len(buf), g.FrameBytes(), "bytes")
	}
	values := make([]float64, g.Cells())
	for i := range values {
		s := int16(binary.LittleEndian.Uint16(buf[i*ElementSize:]))
		values[i] = float64(s) / ScaleFactor
	}
	return newGrid(g.Side, values), nil
}

// DecodeSamples returns the raw scaled samples of a frame.
func DecodeSamples(g Geometry, buf []byte) ([]int16, error) {
	if len(buf) != g.FrameBytes() || g.ElementSize != ElementSize {
		return nil, malformed(len(buf), g.FrameBytes(), "bytes")
	}
	out := make([]int16, g.Cells())
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*ElementSize:]))
	}
	return out, nil
}

// Encode packs scaled samples into a wire frame.
func Encode(g Geometry, samples []int16) ([]byte, error) {
	if len(samples) != g.Cells() {
		return nil, malformed(len(samples), g.Cells(), "samples")
	}
	buf := make([]byte, g.FrameBytes())
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*ElementSize:], uint16(s))
	}
	return buf, nil
}

// EncodeValues scales physical values and packs them into a wire frame.
// See ScaleValue for the rounding and range policy.
func EncodeValues(g Geometry, values []float64) ([]byte, error) {
	if len(values) != g.Cells() {
		return nil, malformed(len(values), g.Cells(), "values")
	}
	samples := make([]int16, len(values))
	for i, v := range values {
		samples[i] = ScaleValue(v)
	}
	return Encode(g, samples)
}

// ScaleValue converts a physical value to a scaled sample. The product is
// truncated toward zero and then clamped to [MinSample, MaxSample]; NaN maps
// to 0. Clamping keeps an out-of-range cell from wrapping into a bogus value.
func ScaleValue(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	s := math.Trunc(v * ScaleFactor)
	if s > MaxSample {
		return MaxSample
	}
	if s < MinSample {
		return MinSample
	}
	return int16(s)
}
