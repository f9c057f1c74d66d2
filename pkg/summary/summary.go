// Package summary produces descriptive statistics for sets of derived
// parameter maps and renders them as charts. Each map usually isolates one
// experimental point (one phantom, one metric), so a set of maps with a
// common x-axis (print speed, b-value, session index) summarizes to a mean
// and spread per point.
package summary

import (
	"fmt"
	"math"
	"os"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"gonum.org/v1/gonum/stat"

	"github.com/tkkuehn/3am-phantom-utilities/pkg/bselect"
	"github.com/tkkuehn/3am-phantom-utilities/pkg/imageio"
)

// Stats summarizes the in-mask values of one map.
type Stats struct {
	Mean float64
	Std  float64
	N    int
}

// Describe computes mean and standard deviation of each image's in-mask
// values.
func Describe(images []*imageio.DerivedImage) []Stats {
	out := make([]Stats, len(images))
	for i, img := range images {
		values := img.FlatData()
		mean, std := stat.MeanStdDev(values, nil)
		out[i] = Stats{Mean: mean, Std: std, N: len(values)}
	}
	return out
}

// ChartOptions control rendered charts.
type ChartOptions struct {
	Width  int
	Height int
	XLabel string
	YLabel string
	LogY   bool
}

func (o ChartOptions) size() (int, int) {
	w, h := o.Width, o.Height
	if w <= 0 {
		w = 800
	}
	if h <= 0 {
		h = 600
	}
	return w, h
}

// Series is one named curve with optional per-point spread.
type Series struct {
	Name string
	X    []float64
	Y    []float64
	Std  []float64
}

// statSeries converts per-map statistics into a plottable series.
func statSeries(name string, xvals []float64, stats []Stats) (Series, error) {
	if len(xvals) == 0 {
		xvals = make([]float64, len(stats))
		for i := range xvals {
			xvals[i] = float64(i)
		}
	}
	if len(xvals) != len(stats) {
		return Series{}, fmt.Errorf("%d x values for %d maps", len(xvals), len(stats))
	}

	s := Series{Name: name, X: xvals}
	for _, st := range stats {
		s.Y = append(s.Y, st.Mean)
		s.Std = append(s.Std, st.Std)
	}
	return s, nil
}

// RenderStats renders per-map statistics as a mean curve with a +/- one
// standard deviation band and writes it as a PNG.
func RenderStats(stats []Stats, xvals []float64, opts ChartOptions, path string) error {
	series, err := statSeries("mean", xvals, stats)
	if err != nil {
		return err
	}
	return Render([]Series{series}, opts, path)
}

var palette = []drawing.Color{
	chart.ColorBlue,
	chart.ColorRed,
	chart.ColorGreen,
	chart.ColorOrange,
	chart.ColorBlack,
}

// Render draws the given series to a PNG file. Series with spread get a
// dashed +/- one standard deviation band in their own color.
func Render(series []Series, opts ChartOptions, path string) error {
	if len(series) == 0 {
		return fmt.Errorf("nothing to plot")
	}

	var plotted []chart.Series
	for i, s := range series {
		if len(s.X) != len(s.Y) {
			return fmt.Errorf("series %q has %d x values for %d y values",
				s.Name, len(s.X), len(s.Y))
		}
		color := palette[i%len(palette)]

		plotted = append(plotted, chart.ContinuousSeries{
			Name:    s.Name,
			XValues: s.X,
			YValues: s.Y,
			Style:   chart.Style{StrokeColor: color, StrokeWidth: 2},
		})

		if len(s.Std) == len(s.Y) && hasSpread(s.Std) {
			upper := make([]float64, len(s.Y))
			lower := make([]float64, len(s.Y))
			for j := range s.Y {
				upper[j] = s.Y[j] + s.Std[j]
				lower[j] = s.Y[j] - s.Std[j]
			}
			bandStyle := chart.Style{
				StrokeColor:     color,
				StrokeWidth:     1,
				StrokeDashArray: []float64{4, 4},
			}
			plotted = append(plotted,
				chart.ContinuousSeries{XValues: s.X, YValues: upper, Style: bandStyle},
				chart.ContinuousSeries{XValues: s.X, YValues: lower, Style: bandStyle})
		}
	}

	w, h := opts.size()
	graph := chart.Chart{
		Width:  w,
		Height: h,
		XAxis:  chart.XAxis{Name: opts.XLabel},
		YAxis:  chart.YAxis{Name: opts.YLabel},
		Series: plotted,
	}
	if opts.LogY {
		graph.YAxis.Range = &chart.LogarithmicRange{}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// Shell is one b-value shell of an acquisition protocol.
type Shell struct {
	// Center is the nominal b-value plotted for the shell.
	Center float64

	// Lower and Upper delimit the half-open b-value interval.
	Lower float64
	Upper float64
}

// ShellSignal computes the mean and spread of the in-mask signal per
// b-value shell. dirGate optionally restricts the acquisitions to a
// direction (see bselect.ByDirection); nil includes all of them. b0 shells
// ignore the gate, since b0 volumes have no direction.
func ShellSignal(dwi *imageio.DWImage, shells []Shell, dirGate []bool) (Series, error) {
	if dwi.Mask == nil {
		return Series{}, fmt.Errorf("shell signal summary needs a masked DWI")
	}

	img := dwi.Img
	volSize := img.VolumeSize()

	s := Series{Name: "signal"}
	for _, shell := range shells {
		gate := bselect.ByBval(dwi.Gtab.Bvals, shell.Lower, shell.Upper)
		if dirGate != nil && shell.Lower >= dwi.Gtab.B0Threshold {
			gate = bselect.And(gate, dirGate)
		}

		var values []float64
		for v, in := range gate {
			if !in {
				continue
			}
			for idx, m := range dwi.Mask {
				if m {
					values = append(values, img.Data[v*volSize+idx])
				}
			}
		}
		if len(values) == 0 {
			return Series{}, fmt.Errorf("no acquisitions in shell b=%g", shell.Center)
		}

		mean, std := stat.MeanStdDev(values, nil)
		s.X = append(s.X, shell.Center)
		s.Y = append(s.Y, mean)
		s.Std = append(s.Std, std)
	}
	return s, nil
}

// MonoExponential computes the reference decay curve S0 * exp(-b * D) for
// each b-value, with the diffusivity given in um^2/ms as is conventional
// for phantom water.
func MonoExponential(s0, diffusivity float64, bvals []float64) []float64 {
	out := make([]float64, len(bvals))
	for i, b := range bvals {
		out[i] = s0 * math.Exp(-b*diffusivity/1000)
	}
	return out
}

func hasSpread(std []float64) bool {
	for _, s := range std {
		if s > 0 {
			return true
		}
	}
	return false
}
