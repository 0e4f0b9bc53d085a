// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the process configuration of the experiment runner: where the project lives,
// which HDF5 file holds the data, and the base training parameters record shared by all experiments.
//
// Values are layered with koanf: struct defaults, then an optional YAML file, then an optional .env
// file, then the process environment. Later layers override earlier ones.
//
// Environment mapping:
//
//   - PROJECT_ROOT -> project_root
//   - DATA_FILE -> data_file
//   - COXAAI_<KEY>[__<SUBKEY>] -> key.subkey, e.g. COXAAI_TRAINING__BATCH_SIZE=8 sets training.batch_size.
//
// Empty environment variables are ignored.
package config

import (
	"strings"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvPrefix is the prefix of environment variables mapped onto nested configuration keys.
const EnvPrefix = "COXAAI_"

// Precision modes accepted by the trainer.
const (
	Precision32        = "32"
	Precision64        = "64"
	Precision16Mixed   = "16-mixed"
	PrecisionBF16Mixed = "bf16-mixed"
)

// Config holds the process configuration.
type Config struct {
	// ProjectRoot is the base directory for all experiment outputs. Set by PROJECT_ROOT.
	ProjectRoot string `koanf:"project_root"`

	// DataFile is the HDF5 file with the images, targets and folds. Set by DATA_FILE.
	DataFile string `koanf:"data_file"`

	// ExperimentsDir is the directory, relative to ProjectRoot, where each experiment gets its own sub-directory.
	ExperimentsDir string `koanf:"experiments_dir"`

	// SummaryFile is the name of the aggregate summary written once at the end of a sweep, under the
	// experiment log directory.
	SummaryFile string `koanf:"summary_file"`

	// DataDir is where downloaded pretrained weights are stored.
	DataDir string `koanf:"data_dir"`

	Training TrainingParams `koanf:"training"`
}

// TrainingParams is the training parameters record: one per run, read-only once the run starts.
type TrainingParams struct {
	BatchSize             int     `koanf:"batch_size"`
	EvalBatchSize         int     `koanf:"eval_batch_size"`
	EarlyStoppingPatience int     `koanf:"early_stopping_patience"`
	MaxTimeHours          float64 `koanf:"max_time_hours"`
	MaxEpochs             int     `koanf:"max_epochs"`
	TrainFolds            []int   `koanf:"train_folds"`
	ValFolds              []int   `koanf:"val_folds"`
	TestFolds             []int   `koanf:"test_folds"`
	NumFolds              int     `koanf:"num_folds"`
	LogEveryNSteps        int     `koanf:"log_every_n_steps"`
	Precision             string  `koanf:"precision"`
	LRSchedulerFactor     float64 `koanf:"lr_scheduler_factor"`
	LRSchedulerPatience   int     `koanf:"lr_scheduler_patience"`
	LearningRate          float64 `koanf:"learning_rate"`
	ImageSize             int     `koanf:"image_size"`
	Channels              int     `koanf:"channels"`
	NumClasses            int     `koanf:"num_classes"`
	TargetVar             string  `koanf:"target_var"`
	Seed                  int64   `koanf:"seed"`
	Pretrained            bool    `koanf:"pretrained"`
}

// Default returns the configuration defaults, before any file or environment is applied.
func Default() *Config {
	return &Config{
		ExperimentsDir: "experiments",
		SummaryFile:    "best_model_metrics.txt",
		DataDir:        "~/.cache/coxaai",
		Training:       DefaultTrainingParams(),
	}
}

// DefaultTrainingParams mirrors the record shared by the hip X-ray experiments.
func DefaultTrainingParams() TrainingParams {
	return TrainingParams{
		BatchSize:             16,
		EvalBatchSize:         16,
		EarlyStoppingPatience: 12,
		MaxTimeHours:          6,
		TrainFolds:            []int{0, 1, 2},
		ValFolds:              []int{3},
		TestFolds:             []int{4},
		NumFolds:              5,
		LogEveryNSteps:        10,
		Precision:             Precision16Mixed,
		LRSchedulerFactor:     0.2,
		LRSchedulerPatience:   7,
		LearningRate:          5e-6,
		ImageSize:             384,
		Channels:              3,
		NumClasses:            2,
		TargetVar:             "target",
		Seed:                  42,
		Pretrained:            true,
	}
}

type loadOptions struct {
	yamlPath    string
	envFilePath string
	providers   []koanf.Provider
}

// Option configures Load.
type Option func(*loadOptions)

// WithYAMLFile loads overrides from a YAML file. An empty path is ignored.
func WithYAMLFile(path string) Option {
	return func(o *loadOptions) { o.yamlPath = path }
}

// WithEnvFile loads a .env file (KEY=value lines) before the process environment.
// A missing file is silently ignored, and variables already set in the process environment take precedence.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFilePath = path }
}

// WithYAMLProvider adds a YAML provider applied after the YAML file, used mostly by tests with rawbytes.Provider.
func WithYAMLProvider(provider koanf.Provider) Option {
	return func(o *loadOptions) { o.providers = append(o.providers, provider) }
}

// Load the configuration. It doesn't validate it, call Config.Validate for that.
func Load(options ...Option) (*Config, error) {
	opts := &loadOptions{}
	for _, option := range options {
		option(opts)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration defaults")
	}
	if opts.yamlPath != "" {
		path, err := fsutil.ReplaceTildeInDir(opts.yamlPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
		}
	}
	for _, provider := range opts.providers {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to load configuration overrides")
		}
	}
	if opts.envFilePath != "" {
		if err := loadEnvFile(k, opts.envFilePath); err != nil {
			return nil, err
		}
	}
	err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		path := envKeyToPath(key)
		if path == "" || value == "" {
			return "", nil
		}
		return path, envValue(path, value)
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return cfg, nil
}

func loadEnvFile(k *koanf.Koanf, path string) error {
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	if !exists {
		klog.V(1).Infof("no env file at %q", path)
		return nil
	}
	dotK := koanf.New(".")
	if err := dotK.Load(file.Provider(path), dotenv.Parser()); err != nil {
		return errors.Wrapf(err, "failed to parse env file %q", path)
	}
	var count int
	for key, value := range dotK.All() {
		keyPath := envKeyToPath(key)
		s, isString := value.(string)
		if keyPath == "" || !isString {
			continue
		}
		if err := k.Set(keyPath, envValue(keyPath, s)); err != nil {
			return errors.Wrapf(err, "failed to set %q from env file %q", key, path)
		}
		count++
	}
	klog.V(1).Infof("loaded %d settings from %q", count, path)
	return nil
}

// envValue converts comma-separated lists for the fold keys.
func envValue(path, value string) any {
	if strings.HasSuffix(path, "_folds") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return value
}

// envKeyToPath maps environment variable names to configuration paths, returning "" for unrelated variables.
func envKeyToPath(key string) string {
	switch key {
	case "PROJECT_ROOT":
		return "project_root"
	case "DATA_FILE":
		return "data_file"
	}
	rest, ok := strings.CutPrefix(key, EnvPrefix)
	if !ok || rest == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
}
