// Package render draws a decoded grid as a heatmap, either as a PNG via
// gonum/plot or as an interactive go-echarts page.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sensorgrid/internal/grid"
)

// ErrEmptyGrid is returned when there is nothing to draw.
var ErrEmptyGrid = errors.New("render: empty grid")

// paletteSize is the number of colours in the PNG heat palette.
const paletteSize = 64

// viridis stops for the echarts visual map.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// gridXYZ adapts a grid to plotter.GridXYZ. Row 0 of the grid is drawn at the
// top, matching how the frame is laid out on the sensor.
type gridXYZ struct {
	g *grid.Grid
}

func (x gridXYZ) Dims() (c, r int)   { return x.g.Side(), x.g.Side() }
func (x gridXYZ) Z(c, r int) float64 { return x.g.At(c, x.g.Side()-1-r) }
func (x gridXYZ) X(c int) float64    { return float64(c) }
func (x gridXYZ) Y(r int) float64    { return float64(r) }

// HeatmapPNG writes g as a size x size PNG.
func HeatmapPNG(w io.Writer, g *grid.Grid, title string, size vg.Length) error {
	if g == nil || g.Len() == 0 {
		return ErrEmptyGrid
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "column"
	p.Y.Label.Text = "row (from bottom)"

	hm := plotter.NewHeatMap(gridXYZ{g}, palette.Heat(paletteSize, 1))
	if hm.Max == hm.Min {
		// a flat grid would divide by a zero colour range
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("render png: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// HeatmapHTML writes g as a standalone echarts heatmap page. stride > 1
// samples every stride-th cell on each axis to keep the page small.
func HeatmapHTML(w io.Writer, g *grid.Grid, decodedAt time.Time, stride int) error {
	if g == nil || g.Len() == 0 {
		return ErrEmptyGrid
	}
	if stride < 1 {
		stride = 1
	}

	side := g.Side()
	labels := make([]int, 0, side/stride+1)
	for i := 0; i < side; i += stride {
		labels = append(labels, i)
	}

	data := make([]opts.HeatMapData, 0, len(labels)*len(labels))
	for yi, y := range labels {
		for xi, x := range labels {
			data = append(data, opts.HeatMapData{Value: [3]interface{}{xi, yi, g.At(x, y)}})
		}
	}

	summary := g.Summarize()
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sensor Grid", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Latest Sensor Grid",
			Subtitle: fmt.Sprintf("%dx%d decoded=%s stride=%d", side, side, decodedAt.Format(time.RFC3339Nano), stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: labels, Name: "column"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: labels, Name: "row"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(summary.Min),
			Max:        float32(max(summary.Max, summary.Min+1)),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.AddSeries("grid", data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
