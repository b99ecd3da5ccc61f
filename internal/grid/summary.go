package grid

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of a grid.
type Summary struct {
	Side   int     `json:"side"`
	Cells  int     `json:"cells"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	// ArgMax is the row-major index of the first maximum cell.
	ArgMax int `json:"argmax"`
}

// Summarize computes the summary of g.
func (g *Grid) Summarize() Summary {
	if g.Len() == 0 {
		return Summary{Side: g.side}
	}
	mean, std := stat.MeanStdDev(g.values, nil)
	return Summary{
		Side:   g.side,
		Cells:  g.Len(),
		Min:    floats.Min(g.values),
		Max:    floats.Max(g.values),
		Mean:   mean,
		StdDev: std,
		ArgMax: floats.MaxIdx(g.values),
	}
}
