// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package sweep runs a hyperparameter sweep: for each combination of a Grid, sequentially, it builds a Runner,
// fits it, tests it and records its RunArtifact. After all combinations ran, an aggregate summary is written once.
//
// Any error aborts the whole sweep: there is no per-combination recovery.
package sweep

import (
	"os"
	"path/filepath"
	"time"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunArtifact is what one run of the sweep leaves behind.
type RunArtifact struct {
	// Name of the run, derived deterministically from its combination.
	Name string

	Combination Combination

	// LogDir holds the run's metrics.csv and hparams.yaml.
	LogDir string

	// CheckpointPath is the checkpoint directory of the run. It encodes the run name.
	CheckpointPath string

	// BestCheckpoint is the file name of the best checkpoint, if one was saved, and BestScore its monitored value.
	BestCheckpoint string
	BestScore      float64

	// TestMetrics as returned by Runner.Test.
	TestMetrics map[string]float64

	Elapsed time.Duration
}

// Runner trains and evaluates one combination.
type Runner interface {
	Fit() error
	Test() (map[string]float64, error)

	// Artifact is called after Test.
	Artifact() RunArtifact
}

// RunnerFactory builds the Runner for one named combination.
type RunnerFactory func(name string, combo Combination) (Runner, error)

// NameFn gives each combination its run name. It must be deterministic and, within a sweep, unique.
type NameFn func(combo Combination) string

// Summarizer renders the aggregate report of the sweep.
type Summarizer func(artifacts []RunArtifact) (string, error)

// Sweep configures a hyperparameter sweep.
type Sweep struct {
	Name    string
	Grid    Grid
	NameFn  NameFn
	Factory RunnerFactory

	// Summarizer and SummaryPath are optional: if both set, the summary is written once after all runs.
	Summarizer  Summarizer
	SummaryPath string
}

// Names returns the run names of all combinations, in execution order. It fails on duplicate names.
func (s *Sweep) Names() ([]string, error) {
	combos, err := s.Grid.Combinations()
	if err != nil {
		return nil, err
	}
	return s.names(combos)
}

func (s *Sweep) names(combos []Combination) ([]string, error) {
	if s.NameFn == nil {
		return nil, errors.Errorf("sweep %q has no NameFn", s.Name)
	}
	names := make([]string, len(combos))
	seen := make(map[string]int, len(combos))
	for i, combo := range combos {
		name := s.NameFn(combo)
		if name == "" {
			return nil, errors.Errorf("sweep %q: empty run name for combination %s", s.Name, combo)
		}
		if prev, found := seen[name]; found {
			return nil, errors.Errorf("sweep %q: combinations #%d and #%d share the run name %q", s.Name, prev, i, name)
		}
		seen[name] = i
		names[i] = name
	}
	return names, nil
}

// Run executes the sweep sequentially and returns one artifact per combination.
// On error the artifacts of the runs completed so far are returned along with it, and no summary is written.
func (s *Sweep) Run() ([]RunArtifact, error) {
	if s.Factory == nil {
		return nil, errors.Errorf("sweep %q has no RunnerFactory", s.Name)
	}
	combos, err := s.Grid.Combinations()
	if err != nil {
		return nil, errors.WithMessagef(err, "sweep %q", s.Name)
	}
	names, err := s.names(combos)
	if err != nil {
		return nil, err
	}

	klog.Infof("Sweep %q: %s runs", s.Name, humanize.Comma(int64(len(combos))))
	sweepStart := time.Now()
	artifacts := make([]RunArtifact, 0, len(combos))
	for i, combo := range combos {
		name := names[i]
		klog.Infof("Sweep %q: run %d/%d %q (%s)", s.Name, i+1, len(combos), name, combo)
		start := time.Now()
		runner, err := s.Factory(name, combo)
		if err != nil {
			return artifacts, errors.WithMessagef(err, "sweep %q: failed to build run %q", s.Name, name)
		}
		if err := runner.Fit(); err != nil {
			return artifacts, errors.WithMessagef(err, "sweep %q: fit of run %q", s.Name, name)
		}
		testMetrics, err := runner.Test()
		if err != nil {
			return artifacts, errors.WithMessagef(err, "sweep %q: test of run %q", s.Name, name)
		}
		artifact := runner.Artifact()
		artifact.Name = name
		artifact.Combination = combo
		artifact.TestMetrics = testMetrics
		artifact.Elapsed = time.Since(start)
		artifacts = append(artifacts, artifact)
		klog.Infof("Sweep %q: run %q done in %s, logs in %q", s.Name, name, artifact.Elapsed.Round(time.Second), artifact.LogDir)
	}
	klog.Infof("Sweep %q: %d runs finished in %s", s.Name, len(artifacts), time.Since(sweepStart).Round(time.Second))

	if s.Summarizer == nil || s.SummaryPath == "" {
		return artifacts, nil
	}
	summary, err := s.Summarizer(artifacts)
	if err != nil {
		return artifacts, errors.WithMessagef(err, "sweep %q: failed to summarize", s.Name)
	}
	if err := fsutil.MkdirAll(filepath.Dir(s.SummaryPath)); err != nil {
		return artifacts, err
	}
	if err := os.WriteFile(s.SummaryPath, []byte(summary), 0o644); err != nil {
		return artifacts, errors.Wrapf(err, "sweep %q: failed to write summary", s.Name)
	}
	klog.Infof("Sweep %q: summary written to %q", s.Name, s.SummaryPath)
	return artifacts, nil
}
