// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package experiments holds the experiment presets compared on the hip X-ray data, and the Environment that
// turns each combination of a preset's grid into a training run: model, data module, CSV logger and trainer
// with early stopping, checkpointing and learning-rate monitoring.
package experiments

import (
	"fmt"
	"slices"
	"strings"

	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/sweep"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// RunSpec is everything a preset decides for one combination.
type RunSpec struct {
	// Model name, see models.CreateModel.
	Model string

	// Params is the training parameters record of the run.
	Params config.TrainingParams

	// Train is the augmentation of the training split, Eval the one of the validation and test splits.
	Train, Eval augment.Spec

	// CheckpointFilename is the template of the best checkpoint name, see trainer.FormatFilename.
	CheckpointFilename string

	// LRLoggingInterval of the learning-rate monitor: "epoch" or "step".
	LRLoggingInterval string
}

// Preset is a named experiment: a grid, how runs are named and how each run is configured.
type Preset struct {
	Name        string
	Description string
	Grid        sweep.Grid

	// RunName names the run of a combination. It also names the run's checkpoint directory.
	RunName sweep.NameFn

	// Plan derives the run of a combination from the base training parameters. It must not modify base.
	Plan func(base config.TrainingParams, combo sweep.Combination) (RunSpec, error)
}

var presets = make(map[string]*Preset)

// Register a preset. It panics if the name is already taken.
func Register(preset *Preset) {
	if _, found := presets[preset.Name]; found {
		panic(errors.Errorf("experiment preset %q registered twice", preset.Name))
	}
	presets[preset.Name] = preset
}

// Presets returns the names of the registered presets, sorted.
func Presets() []string {
	names := maps.Keys(presets)
	slices.Sort(names)
	return names
}

// PresetByName returns the named preset.
func PresetByName(name string) (*Preset, error) {
	preset, found := presets[name]
	if !found {
		return nil, errors.Errorf("unknown experiment %q, registered experiments: %s", name, strings.Join(Presets(), ", "))
	}
	return preset, nil
}

const (
	swinModel      = "swin_base_patch4_window12_384_in22k"
	hipImageSize   = 384
	lightAugDegree = 10.0
)

func init() {
	Register(&Preset{
		Name:        "swin_randaugment",
		Description: "Swin-B 384 pretrained on ImageNet-22k, RandAugment over the number of operations and magnitude",
		Grid:        sweep.Grid{sweep.IntRange("num_ops", 1, 4), sweep.IntRange("magnitude", 1, 8)},
		RunName: func(combo sweep.Combination) string {
			return fmt.Sprintf("swin_%d_binary_randaugment_%d_%d", hipImageSize,
				sweep.GetOr(combo, "num_ops", 0), sweep.GetOr(combo, "magnitude", 0))
		},
		Plan: planSwinRandAugment,
	})
	Register(&Preset{
		Name:        "swin_autoaugment",
		Description: "Swin-B 384 pretrained on ImageNet-22k, with the AutoAugment ImageNet policy",
		Grid:        sweep.Grid{sweep.NewAxis("model", swinModel)},
		RunName: func(sweep.Combination) string {
			return fmt.Sprintf("swin_%d_binary_autoaugment", hipImageSize)
		},
		Plan: planSwinAutoAugment,
	})
	Register(&Preset{
		Name:        "efficientnet_b0_to_b7",
		Description: "EfficientNet b0 to b7 on grayscale 384x384 images, with horizontal flips",
		Grid:        sweep.Grid{sweep.NewAxis("version", "b0", "b1", "b2", "b3", "b4", "b5", "b6", "b7")},
		RunName: func(combo sweep.Combination) string {
			return "efficientnet_" + sweep.GetOr(combo, "version", "")
		},
		Plan: planEfficientNet,
	})
	Register(&Preset{
		Name:        "vit_384",
		Description: "ViT-B/16 on grayscale 384x384 images, with light augmentation",
		Grid:        sweep.Grid{sweep.NewAxis("model", "vit-base-patch16-384")},
		RunName: func(combo sweep.Combination) string {
			return lightAugRunName(sweep.GetOr(combo, "model", ""))
		},
		Plan: planViT,
	})
	Register(&Preset{
		Name:        "cnn_baseline",
		Description: "Small CNN trained from scratch on 64x64 grayscale images, for smoke runs",
		Grid:        sweep.Grid{sweep.NewAxis("magnitude", 0, 5)},
		RunName: func(combo sweep.Combination) string {
			return fmt.Sprintf("cnn_64_binary_randaugment_1_%d", sweep.GetOr(combo, "magnitude", 0))
		},
		Plan: planCNNBaseline,
	})
}

func planSwinRandAugment(base config.TrainingParams, combo sweep.Combination) (RunSpec, error) {
	numOps, err := sweep.Get[int](combo, "num_ops")
	if err != nil {
		return RunSpec{}, err
	}
	magnitude, err := sweep.Get[int](combo, "magnitude")
	if err != nil {
		return RunSpec{}, err
	}
	spec := swinRun(base)
	spec.Train = augment.Spec{Strategy: augment.StrategyRandAugment, Size: hipImageSize, Channels: 3,
		NumOps: numOps, Magnitude: magnitude}
	spec.CheckpointFilename = fmt.Sprintf("swin_%d_binary_randaugment_%d_%d-{epoch:02d}-{val_loss:.2f}",
		hipImageSize, numOps, magnitude)
	return spec, nil
}

func planSwinAutoAugment(base config.TrainingParams, _ sweep.Combination) (RunSpec, error) {
	spec := swinRun(base)
	spec.Train = augment.Spec{Strategy: augment.StrategyAutoAugment, Size: hipImageSize, Channels: 3}
	spec.CheckpointFilename = fmt.Sprintf("swin_%d_binary_autoaugment-{epoch:02d}-{val_loss:.2f}", hipImageSize)
	return spec, nil
}

// swinRun has the settings shared by the Swin augmentation comparisons.
func swinRun(base config.TrainingParams) RunSpec {
	params := base.Clone()
	params.BatchSize = 16
	params.EarlyStoppingPatience = 12
	params.MaxTimeHours = 6
	params.LogEveryNSteps = 10
	params.LRSchedulerFactor = 0.2
	params.LRSchedulerPatience = 7
	params.LearningRate = 5e-6
	params.ImageSize = hipImageSize
	params.Channels = 3
	params.Pretrained = true
	return RunSpec{
		Model:             swinModel,
		Params:            params,
		Eval:              augment.Spec{Strategy: augment.StrategyNone, Size: hipImageSize, Channels: 3},
		LRLoggingInterval: "epoch",
	}
}

func planEfficientNet(base config.TrainingParams, combo sweep.Combination) (RunSpec, error) {
	version, err := sweep.Get[string](combo, "version")
	if err != nil {
		return RunSpec{}, err
	}
	params := base.Clone()
	params.BatchSize = 32
	params.EarlyStoppingPatience = 5
	params.MaxTimeHours = 12
	params.LogEveryNSteps = 4
	params.LRSchedulerFactor = 0.2
	params.LRSchedulerPatience = 7
	params.LearningRate = 3e-4
	params.ImageSize = hipImageSize
	params.Channels = 1
	params.Pretrained = false
	return RunSpec{
		Model:  "efficientnet-" + version,
		Params: params,
		// MaxDegrees 0: only resize, grayscale and horizontal flips.
		Train:              augment.Spec{Strategy: augment.StrategyLight, Size: hipImageSize, Channels: 1},
		Eval:               augment.Spec{Strategy: augment.StrategyNone, Size: hipImageSize, Channels: 1},
		CheckpointFilename: "efficientnet_" + version + "_best_checkpoint_{epoch:02d}_{val_loss:.2f}",
		LRLoggingInterval:  "step",
	}, nil
}

// lightAugRunName is the run name of the light augmentation comparisons.
func lightAugRunName(model string) string {
	return fmt.Sprintf("%s_binary_lightAugReg_%d", strings.TrimPrefix(model, "google/"), hipImageSize)
}

// lightAugBatchSize: the smaller EfficientNets fit batches of 32, everything else 10.
func lightAugBatchSize(model string) int {
	switch strings.TrimPrefix(model, "google/") {
	case "efficientnet-b0", "efficientnet-b1", "efficientnet-b2", "efficientnet-b3":
		return 32
	}
	return 10
}

func planViT(base config.TrainingParams, combo sweep.Combination) (RunSpec, error) {
	model, err := sweep.Get[string](combo, "model")
	if err != nil {
		return RunSpec{}, err
	}
	params := base.Clone()
	params.BatchSize = lightAugBatchSize(model)
	params.EarlyStoppingPatience = 25
	params.MaxTimeHours = 12
	params.LogEveryNSteps = 10
	params.LRSchedulerFactor = 0.2
	params.LRSchedulerPatience = 8
	params.LearningRate = 3e-4
	params.ImageSize = hipImageSize
	params.Channels = 1
	params.Pretrained = false
	return RunSpec{
		Model:  model,
		Params: params,
		Train: augment.Spec{Strategy: augment.StrategyLight, Size: hipImageSize, Channels: 1,
			MaxDegrees: lightAugDegree},
		Eval:               augment.Spec{Strategy: augment.StrategyNone, Size: hipImageSize, Channels: 1},
		CheckpointFilename: lightAugRunName(model) + "_best_checkpoint_{epoch:02d}_{val_loss:.2f}",
		LRLoggingInterval:  "step",
	}, nil
}

func planCNNBaseline(base config.TrainingParams, combo sweep.Combination) (RunSpec, error) {
	magnitude, err := sweep.Get[int](combo, "magnitude")
	if err != nil {
		return RunSpec{}, err
	}
	const size = 64
	params := base.Clone()
	params.BatchSize = 32
	params.EvalBatchSize = 64
	params.EarlyStoppingPatience = 3
	params.MaxTimeHours = 0.5
	params.MaxEpochs = 20
	params.LogEveryNSteps = 10
	params.LRSchedulerFactor = 0.5
	params.LRSchedulerPatience = 2
	params.LearningRate = 1e-3
	params.ImageSize = size
	params.Channels = 1
	params.Precision = config.Precision32
	params.Pretrained = false
	return RunSpec{
		Model:  "cnn",
		Params: params,
		Train: augment.Spec{Strategy: augment.StrategyRandAugment, Size: size, Channels: 1,
			NumOps: 1, Magnitude: magnitude},
		Eval:               augment.Spec{Strategy: augment.StrategyNone, Size: size, Channels: 1},
		CheckpointFilename: fmt.Sprintf("cnn_%d_binary_randaugment_1_%d-{epoch:02d}-{val_loss:.2f}", size, magnitude),
		LRLoggingInterval:  "epoch",
	}, nil
}
