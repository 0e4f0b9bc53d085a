// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coxaai/coxaai/csvlog"
	"github.com/coxaai/coxaai/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logRun writes a metrics.csv with one validation row per val loss, and test metrics if testAcc >= 0.
func logRun(t *testing.T, saveDir, name string, valLosses []float64, testAcc float64) string {
	logger, err := csvlog.New(saveDir, name)
	require.NoError(t, err)
	step := 0
	for epoch, loss := range valLosses {
		step += 5
		require.NoError(t, logger.LogMetrics(map[string]float64{
			"epoch": float64(epoch), "train_loss": loss + 0.1}, step))
		require.NoError(t, logger.LogMetrics(map[string]float64{
			"epoch": float64(epoch), "val_loss": loss, "val_acc": 1 - loss}, step))
	}
	if testAcc >= 0 {
		require.NoError(t, logger.LogMetrics(map[string]float64{
			"epoch": float64(len(valLosses) - 1), "test_loss": 1 - testAcc, "test_acc": testAcc}, step))
	}
	require.NoError(t, logger.Close())
	return logger.LogDir()
}

func TestRunMetrics(t *testing.T) {
	saveDir := t.TempDir()
	logDir := logRun(t, saveDir, "efficientnet_b0", []float64{0.7, 0.5, 0.25, 0.5}, 0.875)
	assert.Equal(t, "efficientnet_b0", RunName(logDir))
	assert.Equal(t, "plain", RunName("/tmp/plain"))

	result, err := RunMetricsFromDir(logDir)
	require.NoError(t, err)
	assert.Equal(t, "efficientnet_b0", result.Name)
	assert.Equal(t, 2, result.Epoch)
	assert.InDelta(t, 0.25, result.ValLoss, 1e-9)
	assert.InDelta(t, 0.75, result.ValAcc, 1e-9)
	assert.InDelta(t, 0.875, result.TestAcc(), 1e-9)
	assert.InDelta(t, 0.125, result.TestLoss(), 1e-9)

	untested := logRun(t, saveDir, "untested", []float64{0.3}, -1)
	result, err = RunMetricsFromDir(untested)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(result.TestAcc()))
	assert.Empty(t, result.Test)

	_, err = RunMetricsFromDir(filepath.Join(saveDir, "missing"))
	assert.Error(t, err)
}

func TestFormatAndSummarize(t *testing.T) {
	saveDir := t.TempDir()
	logDirs := []string{
		logRun(t, saveDir, "run_a", []float64{0.6, 0.4}, 0.5),
		logRun(t, saveDir, "run_b", []float64{0.5, 0.3}, 0.75),
		logRun(t, saveDir, "run_c", []float64{0.2}, -1),
	}
	results, err := ExperimentMetrics(logDirs)
	require.NoError(t, err)

	sorted := append([]RunMetrics(nil), results...)
	SortResults(sorted)
	assert.Equal(t, []string{"run_b", "run_a", "run_c"},
		[]string{sorted[0].Name, sorted[1].Name, sorted[2].Name})

	text := Format("sweep", results)
	assert.True(t, strings.HasPrefix(text, "sweep\n"))
	assert.Contains(t, text, "Best model: run_b (test_acc=0.7500, val_loss=0.3000, epoch 1)")
	assert.Less(t, strings.Index(text, "run_b"), strings.Index(text, "run_a"))
	assert.Less(t, strings.Index(text, "run_a"), strings.Index(text, "run_c"))
	// The input order is not changed.
	assert.Equal(t, "run_a", results[0].Name)

	summaryPath := filepath.Join(saveDir, "summaries", "sweep.txt")
	require.NoError(t, WriteSummary(summaryPath, "sweep", results))
	contents, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	assert.Equal(t, text, string(contents))

	artifacts := make([]sweep.RunArtifact, len(logDirs))
	for i, logDir := range logDirs {
		artifacts[i] = sweep.RunArtifact{Name: RunName(logDir), LogDir: logDir}
	}
	summary, err := Summarizer("sweep")(artifacts)
	require.NoError(t, err)
	assert.Equal(t, text, summary)

	found, err := FindLogDirs(saveDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, logDirs, found)
}

func TestPlotLossCurves(t *testing.T) {
	saveDir := t.TempDir()
	logDirs := []string{
		logRun(t, saveDir, "run_a", []float64{0.6, 0.4, 0.35}, 0.5),
		logRun(t, saveDir, "run_b", []float64{0.5, 0.3}, 0.75),
	}
	points, err := LossCurve(logDirs[0])
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 2.0, points[2].X)
	assert.InDelta(t, 0.35, points[2].Y, 1e-9)

	plotPath := filepath.Join(saveDir, "plots", "val_loss.png")
	require.NoError(t, PlotLossCurves("Validation loss", logDirs, plotPath))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSummaryWithUnvalidatedRun(t *testing.T) {
	saveDir := t.TempDir()
	validated := logRun(t, saveDir, "efficientnet_b0", []float64{0.5, 0.4}, 0.75)

	// Interrupted before its first validation: only train and test metrics.
	logger, err := csvlog.New(saveDir, "efficientnet_b7")
	require.NoError(t, err)
	require.NoError(t, logger.LogMetrics(map[string]float64{"epoch": 0, "train_loss": 0.9}, 10))
	require.NoError(t, logger.LogMetrics(map[string]float64{"epoch": 0, "test_loss": 0.1, "test_acc": 0.9}, 10))
	require.NoError(t, logger.Close())
	interrupted := logger.LogDir()

	result, err := RunMetricsFromDir(interrupted)
	require.NoError(t, err)
	assert.False(t, result.Validated())
	assert.Equal(t, -1, result.Epoch)
	assert.True(t, math.IsNaN(result.ValLoss))
	assert.InDelta(t, 0.9, result.TestAcc(), 1e-9)

	artifacts := []sweep.RunArtifact{{LogDir: validated}, {LogDir: interrupted}}
	summary, err := Summarizer("sweep")(artifacts)
	require.NoError(t, err)
	assert.Contains(t, summary, "Best model: efficientnet_b0 (test_acc=0.7500, val_loss=0.4000, epoch 1)")
	for _, line := range strings.Split(summary, "\n") {
		if strings.Contains(line, "efficientnet_b7") {
			assert.Contains(t, line, "-")
			assert.Contains(t, line, "0.9000")
		}
	}
	assert.NotContains(t, summary, "\x1b[", "summaries are plain text")

	results, err := ExperimentMetrics([]string{interrupted})
	require.NoError(t, err)
	_, found := Best(results)
	assert.False(t, found)
	assert.NotContains(t, Format("", results), "Best model")
}
