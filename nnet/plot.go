package nnet

import (
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot size for the saved loss curve
var (
	PlotWidth  = 6.4 * vg.Inch
	PlotHeight = 4.8 * vg.Inch
)

// LossPlot creates a line plot of loss against training step
func LossPlot(title string, steps []int, losses []float64) (*plot.Plot, error) {
	if len(steps) != len(losses) {
		return nil, errors.Errorf("plot: %d steps but %d losses", len(steps), len(losses))
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "train_iterations"
	p.Y.Label.Text = "Loss"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Add(plotter.NewGrid())
	if len(steps) == 0 {
		return p, nil
	}
	pts := make(plotter.XYs, len(steps))
	for i, step := range steps {
		pts[i].X, pts[i].Y = float64(step), losses[i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, errors.Wrap(err, "plot")
	}
	line.Width = vg.Points(1.5)
	line.Color = plotutil.Color(0)
	p.Add(line)
	return p, nil
}

// SaveLossPlot renders the losses logged in one epoch to file, overwriting any previous plot.
// The image format is taken from the file extension.
func SaveLossPlot(path string, epoch int, steps []int, losses []float64) error {
	p, err := LossPlot("epoch"+strconv.Itoa(epoch), steps, losses)
	if err != nil {
		return err
	}
	return errors.Wrapf(p.Save(PlotWidth, PlotHeight, path), "save plot %s", path)
}
