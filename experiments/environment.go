// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package experiments

import (
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"sync"

	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/csvlog"
	"github.com/coxaai/coxaai/data"
	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/coxaai/coxaai/models"
	"github.com/coxaai/coxaai/report"
	"github.com/coxaai/coxaai/sweep"
	"github.com/coxaai/coxaai/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment holds what is shared by all runs of a sweep.
type Environment struct {
	Config  *config.Config
	Backend backends.Backend

	// Source of the images. If nil, it is opened from Config.DataFile on the first run, and shared by the
	// following ones.
	Source data.Source

	// Settings are context hyperparameters overrides in the format "param=value;param2=value2", applied to every
	// run. See commandline.ParseContextSettings.
	Settings string

	// ProgressBar attaches a progress bar to each training loop.
	ProgressBar bool

	// Parallelism of the training data pipeline.
	Parallelism int

	// TransformWorkers is the number of goroutines transforming the images of each batch.
	TransformWorkers int

	openSource sync.Once
	sourceErr  error
}

func (env *Environment) source() (data.Source, error) {
	env.openSource.Do(func() {
		if env.Source != nil {
			return
		}
		opts := data.DefaultH5Options()
		opts.TargetVar = env.Config.Training.TargetVar
		var source *data.H5Source
		source, env.sourceErr = data.OpenH5Source(env.Config.DataFile, opts)
		if env.sourceErr == nil {
			env.Source = source
		}
	})
	return env.Source, env.sourceErr
}

// CheckpointPath is the checkpoint directory of a run: the run name under the experiment's checkpoint
// directory.
func (env *Environment) CheckpointPath(preset *Preset, runName string) string {
	return filepath.Join(env.Config.CheckpointDir(preset.Name), runName)
}

// Sweep creates the sweep of preset. Its summary is written to the experiment's summary file.
func (env *Environment) Sweep(preset *Preset) *sweep.Sweep {
	return &sweep.Sweep{
		Name:   preset.Name,
		Grid:   preset.Grid,
		NameFn: preset.RunName,
		Factory: func(name string, combo sweep.Combination) (sweep.Runner, error) {
			return env.NewRunner(preset, name, combo)
		},
		Summarizer:  report.Summarizer(fmt.Sprintf("Experiment %q", preset.Name)),
		SummaryPath: env.Config.SummaryPath(preset.Name),
	}
}

// Runner trains and tests one combination of a preset. It implements sweep.Runner.
type Runner struct {
	name       string
	spec       RunSpec
	model      *models.ModelDict
	network    *models.Network
	dm         *data.DataModule
	logger     *csvlog.CSVLogger
	trainer    *trainer.Trainer
	checkpoint *trainer.ModelCheckpoint
}

var _ sweep.Runner = (*Runner)(nil)

// NewRunner plans the run of combo, and builds its model, data module, logger and trainer.
func (env *Environment) NewRunner(preset *Preset, name string, combo sweep.Combination) (*Runner, error) {
	spec, err := preset.Plan(env.Config.Training, combo)
	if err != nil {
		return nil, err
	}
	if err := spec.Params.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "run %q", name)
	}
	r := &Runner{name: name, spec: spec}
	params := spec.Params

	dataDir, err := fsutil.ReplaceTildeInDir(env.Config.DataDir)
	if err != nil {
		return nil, err
	}
	r.model, err = models.CreateModel(spec.Model, models.Options{
		Size:       params.ImageSize,
		Pretrained: params.Pretrained,
		Classes:    params.NumClasses,
		Channels:   params.Channels,
		DataDir:    dataDir,
	})
	if err != nil {
		return nil, err
	}
	r.network = models.NewNetwork(r.model, params)

	trainTransform, err := spec.Train.Build()
	if err != nil {
		return nil, err
	}
	evalTransform, err := spec.Eval.Build()
	if err != nil {
		return nil, err
	}
	source, err := env.source()
	if err != nil {
		return nil, err
	}
	dmConfig := data.ConfigFromParams(params, data.Transforms{Train: trainTransform, Val: evalTransform, Test: evalTransform})
	dmConfig.Parallelism = env.Parallelism
	dmConfig.TransformWorkers = env.TransformWorkers
	r.dm, err = data.NewDataModule(source, dmConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "run %q", name)
	}

	r.logger, err = csvlog.New(env.Config.LogDir(preset.Name), name, csvlog.WithFlushEvery(params.LogEveryNSteps))
	if err != nil {
		return nil, err
	}
	r.checkpoint = trainer.NewModelCheckpoint(env.CheckpointPath(preset, name), spec.CheckpointFilename, "val_loss")
	r.trainer, err = trainer.New(trainer.Options{
		Backend: env.Backend,
		Logger:  r.logger,
		Callbacks: []trainer.Callback{
			trainer.NewEarlyStopping("val_loss", params.EarlyStoppingPatience),
			r.checkpoint,
			trainer.NewLearningRateMonitor(spec.LRLoggingInterval),
		},
		MaxTime:        params.MaxTime(),
		MaxEpochs:      params.MaxEpochs,
		LogEveryNSteps: params.LogEveryNSteps,
		ProgressBar:    env.ProgressBar,
		Precision:      params.Precision,
	})
	if err != nil {
		return nil, err
	}
	if err := r.setHyperparams(env.Settings); err != nil {
		return nil, errors.WithMessagef(err, "run %q", name)
	}
	return r, nil
}

// setHyperparams sets the defaults of the model hyperparameters and the run's settings in the trainer's context,
// so they are logged to hparams.yaml, and applies the command line overrides.
func (r *Runner) setHyperparams(settings string) error {
	ctx := r.trainer.Context()
	hyperparams := models.DefaultParams()
	maps.Copy(hyperparams, r.network.Hyperparams())
	maps.Copy(hyperparams, r.spec.Train.Params("train_"))
	params := r.spec.Params
	maps.Copy(hyperparams, map[string]any{
		"run_name":                r.name,
		"batch_size":              params.BatchSize,
		"eval_batch_size":         params.EvalBatchSize,
		"early_stopping_patience": params.EarlyStoppingPatience,
		"train_folds":             params.TrainFolds,
		"val_folds":               params.ValFolds,
		"test_folds":              params.TestFolds,
		"seed":                    params.Seed,
	})
	ctx.SetParams(hyperparams)
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return err
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Run %q settings: %s", r.name, commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	// The optimizer settings are read from the context, so they can be overridden too.
	r.network.LearningRate = context.GetParamOr(ctx, "learning_rate", r.network.LearningRate)
	r.network.PlateauFactor = context.GetParamOr(ctx, "lr_scheduler_factor", r.network.PlateauFactor)
	r.network.PlateauPatience = context.GetParamOr(ctx, "lr_scheduler_patience", r.network.PlateauPatience)
	return nil
}

// Name of the run.
func (r *Runner) Name() string { return r.name }

// Spec returns the planned run.
func (r *Runner) Spec() RunSpec { return r.spec }

// Trainer of the run.
func (r *Runner) Trainer() *trainer.Trainer { return r.trainer }

// Fit implements sweep.Runner.
func (r *Runner) Fit() error {
	if r.model.Prepare != nil {
		if err := r.model.Prepare(); err != nil {
			return errors.WithMessagef(err, "preparing model %q", r.model.Name)
		}
	}
	return r.trainer.Fit(r.network, r.dm)
}

// Test implements sweep.Runner. It closes the logger of the run.
func (r *Runner) Test() (map[string]float64, error) {
	testMetrics, err := r.trainer.Test(r.network, r.dm)
	if err != nil {
		return nil, err
	}
	if err := r.logger.Close(); err != nil {
		return nil, err
	}
	fmt.Printf("Run %q: test_loss=%.4f test_acc=%.4f\n", r.name, testMetrics["test_loss"], testMetrics["test_acc"])
	if best := r.checkpoint.Best(); best != nil {
		fmt.Printf("Best model path: %s\n", r.checkpoint.BestModelPath())
	}
	return testMetrics, nil
}

// Artifact implements sweep.Runner.
func (r *Runner) Artifact() sweep.RunArtifact {
	artifact := sweep.RunArtifact{
		Name:           r.name,
		LogDir:         r.logger.LogDir(),
		CheckpointPath: r.checkpoint.Dir,
		BestScore:      math.NaN(),
	}
	if best := r.checkpoint.Best(); best != nil {
		artifact.BestCheckpoint = r.checkpoint.BestModelPath()
		artifact.BestScore = best.Score
	}
	return artifact
}
