// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"math"
	"path/filepath"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// LossCurve returns the (epoch, val_loss) points of a run.
func LossCurve(logDir string) (plotter.XYs, error) {
	df, err := ReadMetrics(logDir)
	if err != nil {
		return nil, err
	}
	valLoss := floatColumn(df, "val_loss")
	epochs := floatColumn(df, "epoch")
	if valLoss == nil || epochs == nil {
		return nil, errors.Errorf("run in %q has no val_loss or epoch columns", logDir)
	}
	var points plotter.XYs
	for row, value := range valLoss {
		if math.IsNaN(value) || math.IsNaN(epochs[row]) {
			continue
		}
		points = append(points, plotter.XY{X: epochs[row], Y: value})
	}
	return points, nil
}

// PlotLossCurves saves to path a plot with one validation loss line per run. The format is
// taken from the extension of path (e.g. ".png", ".svg").
func PlotLossCurves(title string, logDirs []string, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "val_loss"
	p.Legend.Top = true
	for ii, logDir := range logDirs {
		points, err := LossCurve(logDir)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			continue
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "plotting run in %q", logDir)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii / len(plotutil.DefaultColors))
		p.Add(line)
		p.Legend.Add(RunName(logDir), line)
	}
	if err := fsutil.MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	return errors.Wrapf(p.Save(10*vg.Inch, 6*vg.Inch, path), "saving plot to %q", path)
}
