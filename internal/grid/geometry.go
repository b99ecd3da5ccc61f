// Package grid converts fixed-size binary sensor frames into immutable
// numeric grids and back.
//
// Wire format: Side*Side little-endian signed 16-bit samples in row-major
// order (cell i is x = i mod Side, y = i div Side). Each sample carries the
// physical value multiplied by ScaleFactor.
package grid

import "fmt"

const (
	// DefaultSide is the grid side length used by the deployed sensors.
	DefaultSide = 128

	// ElementSize is the byte width of one scaled sample on the wire.
	ElementSize = 2

	// ScaleFactor converts physical values to scaled samples.
	ScaleFactor = 10.0

	// MinSample and MaxSample bound a scaled sample.
	MinSample = -32768
	MaxSample = 32767
)

// Geometry describes the shape of a frame.
type Geometry struct {
	Side        int
	ElementSize int
}

// DefaultGeometry returns the 128x128 int16 geometry.
func DefaultGeometry() Geometry {
	return Geometry{Side: DefaultSide, ElementSize: ElementSize}
}

// Cells returns the number of samples in one frame.
func (g Geometry) Cells() int {
	return g.Side * g.Side
}

// FrameBytes returns the exact datagram length of one frame.
func (g Geometry) FrameBytes() int {
	return g.Cells() * g.ElementSize
}

// Validate checks that the geometry can be carried by the wire format.
func (g Geometry) Validate() error {
	if g.Side <= 0 {
		return fmt.Errorf("grid side must be positive, got %d", g.Side)
	}
	if g.ElementSize != ElementSize {
		return fmt.Errorf("element size must be %d bytes, got %d", ElementSize, g.ElementSize)
	}
	// a frame has to fit in a single UDP datagram
	if g.FrameBytes() > 65507 {
		return fmt.Errorf("frame of %d bytes exceeds the maximum UDP payload", g.FrameBytes())
	}
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d int%d (%d bytes)", g.Side, g.Side, g.ElementSize*8, g.FrameBytes())
}
