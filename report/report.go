// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package report summarizes the runs of a sweep from their metrics.csv files: for each run, the epoch with the
// lowest validation loss and the final test metrics. It renders the summary as a table, and plots the validation
// loss curves.
package report

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/coxaai/coxaai/csvlog"
	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/coxaai/coxaai/sweep"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunMetrics summarizes one run.
type RunMetrics struct {
	Name   string
	LogDir string

	// Epoch, ValLoss and ValAcc are taken from the row with the lowest val_loss.
	Epoch   int
	ValLoss float64
	ValAcc  float64

	// Test holds the last value of each test_* metric. It is empty if the run wasn't tested.
	Test map[string]float64
}

// TestAcc returns the test accuracy, or NaN if not available.
func (r RunMetrics) TestAcc() float64 { return r.testMetric("test_acc") }

// TestLoss returns the test loss, or NaN if not available.
func (r RunMetrics) TestLoss() float64 { return r.testMetric("test_loss") }

func (r RunMetrics) testMetric(key string) float64 {
	if value, found := r.Test[key]; found {
		return value
	}
	return math.NaN()
}

// RunName derives the name of a run from its log directory: <save_dir>/<name>/version_<n> yields <name>.
func RunName(logDir string) string {
	base := filepath.Base(logDir)
	if _, ok := fsutil.ParseVersion(base); ok {
		return filepath.Base(filepath.Dir(logDir))
	}
	return base
}

// ReadMetrics reads the metrics.csv of a run. All columns are read as strings: use column.Float() to get the
// values, with NaN for the blank cells.
func ReadMetrics(logDir string) (dataframe.DataFrame, error) {
	path := filepath.Join(logDir, csvlog.MetricsFileName)
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "opening metrics of run in %q", logDir)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "parsing %q", path)
	}
	return df, nil
}

// floatColumn returns the values of the column, or nil if the column doesn't exist.
func floatColumn(df dataframe.DataFrame, name string) []float64 {
	if !slices.Contains(df.Names(), name) {
		return nil
	}
	return df.Col(name).Float()
}

// ExperimentMetrics reads the metrics of each run.
func ExperimentMetrics(logDirs []string) ([]RunMetrics, error) {
	results := make([]RunMetrics, 0, len(logDirs))
	for _, logDir := range logDirs {
		result, err := RunMetricsFromDir(logDir)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// RunMetricsFromDir reads the metrics of one run. A run that never logged val_loss (e.g. interrupted before its
// first validation) is returned with NaN validation metrics and Epoch -1.
func RunMetricsFromDir(logDir string) (RunMetrics, error) {
	result := RunMetrics{Name: RunName(logDir), LogDir: logDir, Epoch: -1,
		ValLoss: math.NaN(), ValAcc: math.NaN(), Test: make(map[string]float64)}
	df, err := ReadMetrics(logDir)
	if err != nil {
		return result, err
	}
	valLoss := floatColumn(df, "val_loss")
	bestRow := -1
	for row, value := range valLoss {
		if math.IsNaN(value) {
			continue
		}
		if bestRow == -1 || value < valLoss[bestRow] {
			bestRow = row
		}
	}
	if bestRow == -1 {
		klog.Warningf("Run in %q has no val_loss logged", logDir)
	} else {
		result.ValLoss = valLoss[bestRow]
		if valAcc := floatColumn(df, "val_acc"); valAcc != nil {
			result.ValAcc = valAcc[bestRow]
		}
		result.Epoch = 0
		if epochs := floatColumn(df, "epoch"); epochs != nil && !math.IsNaN(epochs[bestRow]) {
			result.Epoch = int(epochs[bestRow])
		}
	}
	for _, name := range df.Names() {
		if !strings.HasPrefix(name, "test_") {
			continue
		}
		values := floatColumn(df, name)
		for row := len(values) - 1; row >= 0; row-- {
			if !math.IsNaN(values[row]) {
				result.Test[name] = values[row]
				break
			}
		}
	}
	return result, nil
}

// Validated reports whether the run logged any val_loss.
func (r RunMetrics) Validated() bool { return !math.IsNaN(r.ValLoss) }

// SortResults orders the runs by test accuracy (descending), then by validation loss. Missing values sort last.
func SortResults(results []RunMetrics) {
	slices.SortStableFunc(results, func(a, b RunMetrics) int {
		accA, accB := a.TestAcc(), b.TestAcc()
		if c, anyNaN := nanLast(accA, accB); anyNaN {
			if c != 0 {
				return c
			}
		} else if accA != accB {
			return cmp.Compare(accB, accA)
		}
		if c, anyNaN := nanLast(a.ValLoss, b.ValLoss); anyNaN {
			return c
		}
		return cmp.Compare(a.ValLoss, b.ValLoss)
	})
}

// nanLast orders NaN after numbers. It returns false if neither is NaN.
func nanLast(x, y float64) (int, bool) {
	xNaN, yNaN := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xNaN && yNaN:
		return 0, true
	case xNaN:
		return 1, true
	case yNaN:
		return -1, true
	}
	return 0, false
}

// Best returns the best validated run of results, as ordered by SortResults.
func Best(results []RunMetrics) (RunMetrics, bool) {
	results = slices.Clone(results)
	SortResults(results)
	for _, result := range results {
		if result.Validated() {
			return result, true
		}
	}
	return RunMetrics{}, false
}

func formatMetric(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.4f", value)
}

// Format renders the results as a table sorted with SortResults, followed by the best run.
func Format(title string, results []RunMetrics) string {
	results = slices.Clone(results)
	SortResults(results)
	// The summary is written to files: no ANSI escape sequences whatever the terminal.
	renderer := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.Ascii))
	renderer.SetColorProfile(termenv.Ascii)
	cellStyle := renderer.NewStyle().Padding(0, 1)
	headerStyle := renderer.NewStyle().Padding(0, 1).Bold(true)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Run", "Best epoch", "Val loss", "Val acc", "Test loss", "Test acc")
	for _, result := range results {
		epoch := "-"
		if result.Validated() {
			epoch = fmt.Sprintf("%d", result.Epoch)
		}
		table.Row(result.Name, epoch, formatMetric(result.ValLoss),
			formatMetric(result.ValAcc), formatMetric(result.TestLoss()), formatMetric(result.TestAcc()))
	}
	var sb strings.Builder
	if title != "" {
		sb.WriteString(title + "\n")
	}
	sb.WriteString(table.String())
	sb.WriteString("\n")
	if best, found := Best(results); found {
		_, _ = fmt.Fprintf(&sb, "Best model: %s (test_acc=%s, val_loss=%s, epoch %d)\n  logs: %s\n",
			best.Name, formatMetric(best.TestAcc()), formatMetric(best.ValLoss), best.Epoch, best.LogDir)
	}
	return sb.String()
}

// WriteSummary writes the formatted results to path.
func WriteSummary(path, title string, results []RunMetrics) error {
	if err := fsutil.MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, []byte(Format(title, results)), 0o644), "writing summary %q", path)
}

// Summarizer returns a sweep.Summarizer that reads the metrics of each run artifact.
func Summarizer(title string) sweep.Summarizer {
	return func(artifacts []sweep.RunArtifact) (string, error) {
		logDirs := make([]string, len(artifacts))
		for i, artifact := range artifacts {
			logDirs[i] = artifact.LogDir
		}
		results, err := ExperimentMetrics(logDirs)
		if err != nil {
			return "", err
		}
		return Format(title, results), nil
	}
}

// FindLogDirs lists all <root>/<name>/version_<n> directories that have a metrics.csv, sorted.
func FindLogDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing log directory %q", root)
	}
	var logDirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		versions, err := fsutil.VersionDirs(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, dir := range versions {
			exists, err := fsutil.FileExists(filepath.Join(dir, csvlog.MetricsFileName))
			if err != nil {
				return nil, err
			}
			if exists {
				logDirs = append(logDirs, dir)
			} else {
				klog.V(1).Infof("Skipping %q: no %s", dir, csvlog.MetricsFileName)
			}
		}
	}
	return logDirs, nil
}
