// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"slices"
	"time"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/pkg/errors"
)

// Validate checks that the configuration can drive a sweep. It is called before any run starts.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return errors.New("PROJECT_ROOT is not set: configure project_root or the PROJECT_ROOT environment variable")
	}
	if c.DataFile == "" {
		return errors.New("DATA_FILE is not set: configure data_file or the DATA_FILE environment variable")
	}
	if c.ExperimentsDir == "" {
		return errors.New("experiments_dir cannot be empty")
	}
	if c.SummaryFile == "" || filepath.Base(c.SummaryFile) != c.SummaryFile {
		return errors.Errorf("summary_file must be a plain file name, got %q", c.SummaryFile)
	}
	return errors.WithMessage(c.Training.Validate(), "invalid training parameters")
}

// Validate checks the training parameters record.
func (p *TrainingParams) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", p.BatchSize},
		{"eval_batch_size", p.EvalBatchSize},
		{"num_folds", p.NumFolds},
		{"log_every_n_steps", p.LogEveryNSteps},
		{"image_size", p.ImageSize},
		{"num_classes", p.NumClasses},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return errors.Errorf("%s must be > 0, got %d", field.name, field.value)
		}
	}
	if p.Channels != 1 && p.Channels != 3 {
		return errors.Errorf("channels must be 1 or 3, got %d", p.Channels)
	}
	if p.EarlyStoppingPatience < 0 || p.LRSchedulerPatience < 0 || p.MaxEpochs < 0 {
		return errors.New("patience values and max_epochs cannot be negative")
	}
	if p.MaxTimeHours < 0 {
		return errors.Errorf("max_time_hours cannot be negative, got %g", p.MaxTimeHours)
	}
	if p.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", p.LearningRate)
	}
	if p.LRSchedulerFactor <= 0 || p.LRSchedulerFactor >= 1 {
		return errors.Errorf("lr_scheduler_factor must be in (0, 1), got %g", p.LRSchedulerFactor)
	}
	if p.TargetVar == "" {
		return errors.New("target_var cannot be empty")
	}
	switch p.Precision {
	case Precision32, Precision64, Precision16Mixed, PrecisionBF16Mixed:
	default:
		return errors.Errorf("unknown precision %q, valid values are %q, %q, %q and %q",
			p.Precision, Precision32, Precision64, Precision16Mixed, PrecisionBF16Mixed)
	}

	seen := make(map[int]string)
	for _, split := range []struct {
		name  string
		folds []int
	}{{"train_folds", p.TrainFolds}, {"val_folds", p.ValFolds}, {"test_folds", p.TestFolds}} {
		if len(split.folds) == 0 {
			return errors.Errorf("%s cannot be empty", split.name)
		}
		for _, fold := range split.folds {
			if fold < 0 || fold >= p.NumFolds {
				return errors.Errorf("%s has fold %d outside of [0, %d)", split.name, fold, p.NumFolds)
			}
			if other, found := seen[fold]; found {
				return errors.Errorf("fold %d is used by both %s and %s", fold, other, split.name)
			}
			seen[fold] = split.name
		}
	}
	return nil
}

// MaxTime is the wall-clock cap handed to the trainer. Zero means no cap.
func (p *TrainingParams) MaxTime() time.Duration {
	return time.Duration(p.MaxTimeHours * float64(time.Hour))
}

// Clone returns a deep copy, so presets can derive per-model values without touching the base record.
func (p TrainingParams) Clone() TrainingParams {
	p.TrainFolds = slices.Clone(p.TrainFolds)
	p.ValFolds = slices.Clone(p.ValFolds)
	p.TestFolds = slices.Clone(p.TestFolds)
	return p
}

// ExperimentDir returns the root directory of the named experiment.
func (c *Config) ExperimentDir(experiment string) string {
	root, err := fsutil.ReplaceTildeInDir(c.ProjectRoot)
	if err != nil {
		root = c.ProjectRoot
	}
	return filepath.Join(root, c.ExperimentsDir, experiment)
}

// LogDir is where the CSV logs of each run of the experiment are written.
func (c *Config) LogDir(experiment string) string {
	return filepath.Join(c.ExperimentDir(experiment), "logs")
}

// CheckpointDir is where the checkpoints of each run of the experiment are written.
func (c *Config) CheckpointDir(experiment string) string {
	return filepath.Join(c.ExperimentDir(experiment), "checkpoints")
}

// SummaryPath is the aggregate summary file of the experiment.
func (c *Config) SummaryPath(experiment string) string {
	return filepath.Join(c.LogDir(experiment), c.SummaryFile)
}
