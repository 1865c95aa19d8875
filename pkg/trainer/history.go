// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// History of the passes of a training run.
type History struct {
	Passes []PassResult
}

// Add a pass result.
func (h *History) Add(result PassResult) {
	h.Passes = append(h.Passes, result)
}

// historyRow is one CSV row: gota takes the column names from the exported field names.
type historyRow struct {
	Epoch         int
	Loss          float64
	TrainAccuracy float64
	TestAccuracy  float64
	TestCorrect   int
	TestSamples   int
	Best          bool
	Saved         bool
}

// DataFrame returns the history as a gota dataframe, one row per pass.
func (h *History) DataFrame() dataframe.DataFrame {
	rows := make([]historyRow, 0, len(h.Passes))
	for _, p := range h.Passes {
		rows = append(rows, historyRow{
			Epoch:         p.Epoch,
			Loss:          p.Loss,
			TrainAccuracy: p.Train.PassAccuracy(),
			TestAccuracy:  p.Test.PassAccuracy(),
			TestCorrect:   p.Test.Correct,
			TestSamples:   p.Test.Samples,
			Best:          p.IsBest,
			Saved:         p.Saved,
		})
	}
	return dataframe.LoadStructs(rows)
}

// WriteCSV writes the history to filePath.
func (h *History) WriteCSV(filePath string) error {
	if len(h.Passes) == 0 {
		return errors.New("no passes in the training history")
	}
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to convert training history")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// Plot saves a PNG with the loss and the accuracies (as fractions) per pass.
func (h *History) Plot(filePath string) error {
	if len(h.Passes) == 0 {
		return errors.New("no passes in the training history")
	}
	loss := make(plotter.XYs, len(h.Passes))
	trainAcc := make(plotter.XYs, len(h.Passes))
	testAcc := make(plotter.XYs, len(h.Passes))
	for i, p := range h.Passes {
		x := float64(p.Epoch)
		loss[i] = plotter.XY{X: x, Y: p.Loss}
		trainAcc[i] = plotter.XY{X: x, Y: p.Train.Fraction()}
		testAcc[i] = plotter.XY{X: x, Y: p.Test.Fraction()}
	}

	p := plot.New()
	p.Title.Text = "Mix training"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss / accuracy"
	p.Legend.Top = true
	err := plotutil.AddLinePoints(p,
		"loss", loss,
		"train accuracy", trainAcc,
		"test accuracy", testAcc)
	if err != nil {
		return errors.Wrap(err, "failed to plot training history")
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, filePath), "failed to save plot to %q", filePath)
}

// Save writes history.csv and history.png into dir, creating it if needed.
func (h *History) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create history directory %q", dir)
	}
	if err := h.WriteCSV(filepath.Join(dir, "history.csv")); err != nil {
		return err
	}
	return h.Plot(filepath.Join(dir, "history.png"))
}
