package grid

// Grid is a decoded Side x Side matrix of physical values in row-major order.
// A Grid is never modified after construction, so it can be shared freely
// between goroutines.
type Grid struct {
	side   int
	values []float64
}

// newGrid takes ownership of values.
func newGrid(side int, values []float64) *Grid {
	return &Grid{side: side, values: values}
}

// FromValues builds a Grid from a copy of values. It returns ErrMalformedFrame
// if len(values) is not side*side.
func FromValues(side int, values []float64) (*Grid, error) {
	if side <= 0 || len(values) != side*side {
		return nil, malformed(len(values), side*side, "values")
	}
	cp := make([]float64, len(values))
	copy(cp, values)
	return newGrid(side, cp), nil
}

// Side returns the grid side length.
func (g *Grid) Side() int { return g.side }

// Len returns the number of cells.
func (g *Grid) Len() int { return len(g.values) }

// Value returns the value of cell i in row-major order.
func (g *Grid) Value(i int) float64 { return g.values[i] }

// At returns the value of the cell at column x, row y.
func (g *Grid) At(x, y int) float64 { return g.values[y*g.side+x] }

// Values returns a copy of the cell values in row-major order.
func (g *Grid) Values() []float64 {
	out := make([]float64, len(g.values))
	copy(out, g.values)
	return out
}

// Equal reports whether both grids have the same shape and values.
func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.side != o.side || len(g.values) != len(o.values) {
		return false
	}
	for i, v := range g.values {
		if o.values[i] != v {
			return false
		}
	}
	return true
}
