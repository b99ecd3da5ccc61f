// Package synth generates synthetic sensor frames for bench testing the
// pipeline without hardware.
package synth

import (
	"math"
	"math/rand/v2"

	"github.com/banshee-data/sensorgrid/internal/grid"
)

// Radial falloff parameters. A frame peaks at PeakValue on the centre cell
// and drops by FalloffPerCell per cell of distance, never below zero.
const (
	PeakValue      = 100.0
	FalloffPerCell = 1.3

	centreMin = 30
	centreMax = 90
)

// RadialValues returns physical values for a blob centred on (cx, cy).
func RadialValues(side, cx, cy int) []float64 {
	values := make([]float64, side*side)
	for i := range values {
		x, y := i%side, i/side
		dist := math.Hypot(float64(x-cx), float64(y-cy))
		values[i] = max(0, PeakValue-dist*FalloffPerCell)
	}
	return values
}

// RandomCentre picks a blob centre in [30, 90] on each axis, scaled down for
// grids narrower than the default.
func RandomCentre(rng *rand.Rand, side int) (cx, cy int) {
	lo, hi := centreMin, centreMax
	if side < grid.DefaultSide {
		lo = centreMin * side / grid.DefaultSide
		hi = centreMax * side / grid.DefaultSide
	}
	return lo + rng.IntN(hi-lo+1), lo + rng.IntN(hi-lo+1)
}

// RadialFrame encodes a random-centred radial blob as a wire frame.
func RadialFrame(geom grid.Geometry, rng *rand.Rand) ([]byte, error) {
	cx, cy := RandomCentre(rng, geom.Side)
	return grid.EncodeValues(geom, RadialValues(geom.Side, cx, cy))
}

// NoiseFrame returns a frame of uniformly random samples in [0, 1000).
func NoiseFrame(geom grid.Geometry, rng *rand.Rand) ([]byte, error) {
	samples := make([]int16, geom.Cells())
	for i := range samples {
		samples[i] = int16(rng.IntN(1000))
	}
	return grid.Encode(geom, samples)
}
