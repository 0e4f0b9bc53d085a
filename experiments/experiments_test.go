// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package experiments

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/csvlog"
	"github.com/coxaai/coxaai/data"
	"github.com/coxaai/coxaai/sweep"
	"github.com/coxaai/coxaai/trainer"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func runNames(t *testing.T, preset *Preset) []string {
	names, err := (&sweep.Sweep{Name: preset.Name, Grid: preset.Grid, NameFn: preset.RunName}).Names()
	require.NoError(t, err)
	return names
}

func plan(t *testing.T, preset *Preset, comboIdx int) RunSpec {
	combos, err := preset.Grid.Combinations()
	require.NoError(t, err)
	spec, err := preset.Plan(config.DefaultTrainingParams(), combos[comboIdx])
	require.NoError(t, err)
	require.NoError(t, spec.Params.Validate())
	return spec
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"cnn_baseline", "efficientnet_b0_to_b7", "swin_autoaugment", "swin_randaugment", "vit_384"},
		Presets())
	_, err := PresetByName("resnet")
	assert.Error(t, err)
	assert.Panics(t, func() { Register(&Preset{Name: "vit_384"}) })

	swin, err := PresetByName("swin_randaugment")
	require.NoError(t, err)
	assert.Equal(t, 21, swin.Grid.Size())
	names := runNames(t, swin)
	require.Len(t, names, 21)
	assert.Equal(t, "swin_384_binary_randaugment_1_1", names[0])
	assert.Equal(t, "swin_384_binary_randaugment_1_7", names[6])
	assert.Equal(t, "swin_384_binary_randaugment_2_1", names[7])
	assert.Equal(t, "swin_384_binary_randaugment_3_7", names[20])
	spec := plan(t, swin, 8)
	assert.Equal(t, swinModel, spec.Model)
	assert.Equal(t, augment.Spec{Strategy: augment.StrategyRandAugment, Size: 384, Channels: 3, NumOps: 2, Magnitude: 2},
		spec.Train)
	assert.Equal(t, augment.StrategyNone, spec.Eval.Strategy)
	assert.Equal(t, 16, spec.Params.BatchSize)
	assert.Equal(t, 5e-6, spec.Params.LearningRate)
	assert.Equal(t, 12, spec.Params.EarlyStoppingPatience)
	assert.Equal(t, 6.0, spec.Params.MaxTimeHours)
	assert.Equal(t, 7, spec.Params.LRSchedulerPatience)
	assert.Equal(t, "epoch", spec.LRLoggingInterval)
	assert.Equal(t, "swin_384_binary_randaugment_2_2-{epoch:02d}-{val_loss:.2f}", spec.CheckpointFilename)

	auto, err := PresetByName("swin_autoaugment")
	require.NoError(t, err)
	assert.Equal(t, []string{"swin_384_binary_autoaugment"}, runNames(t, auto))
	assert.Equal(t, augment.StrategyAutoAugment, plan(t, auto, 0).Train.Strategy)

	efficientNet, err := PresetByName("efficientnet_b0_to_b7")
	require.NoError(t, err)
	names = runNames(t, efficientNet)
	assert.Equal(t, []string{"efficientnet_b0", "efficientnet_b1", "efficientnet_b2", "efficientnet_b3",
		"efficientnet_b4", "efficientnet_b5", "efficientnet_b6", "efficientnet_b7"}, names)
	spec = plan(t, efficientNet, 7)
	assert.Equal(t, "efficientnet-b7", spec.Model)
	assert.Equal(t, 1, spec.Params.Channels)
	assert.Equal(t, 32, spec.Params.BatchSize)
	assert.Equal(t, 5, spec.Params.EarlyStoppingPatience)
	assert.Equal(t, 4, spec.Params.LogEveryNSteps)
	assert.Equal(t, "step", spec.LRLoggingInterval)
	assert.Equal(t, "efficientnet_b7_best_checkpoint_{epoch:02d}_{val_loss:.2f}", spec.CheckpointFilename)

	vit, err := PresetByName("vit_384")
	require.NoError(t, err)
	assert.Equal(t, []string{"vit-base-patch16-384_binary_lightAugReg_384"}, runNames(t, vit))
	spec = plan(t, vit, 0)
	assert.Equal(t, 10, spec.Params.BatchSize)
	assert.Equal(t, 25, spec.Params.EarlyStoppingPatience)
	assert.Equal(t, 8, spec.Params.LRSchedulerPatience)
	assert.Equal(t, 10.0, spec.Train.MaxDegrees)
	assert.Equal(t, 32, lightAugBatchSize("google/efficientnet-b2"))
	assert.Equal(t, 10, lightAugBatchSize("efficientnet-b4"))

	// Plans must not modify the base record.
	base := config.DefaultTrainingParams()
	combos, err := vit.Grid.Combinations()
	require.NoError(t, err)
	_, err = vit.Plan(base, combos[0])
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTrainingParams(), base)
}

// xraySource creates n gray images, brighter for the "abnormal" class.
func xraySource(t *testing.T, n, size int) data.Source {
	images := make([]image.Image, n)
	labels := make([]int, n)
	folds := make([]int, n)
	for i := range n {
		labels[i] = i % 2
		folds[i] = (i / 2) % 5
		img := image.NewGray(image.Rect(0, 0, size, size))
		for p := range img.Pix {
			img.Pix[p] = uint8(30 + 150*labels[i] + (p+i)%50)
		}
		images[i] = img
	}
	source, err := data.NewMemorySource(images, labels, folds)
	require.NoError(t, err)
	return source
}

func testEnvironment(t *testing.T, backend backends.Backend) *Environment {
	cfg := config.Default()
	cfg.ProjectRoot = t.TempDir()
	cfg.DataFile = filepath.Join(cfg.ProjectRoot, "unused.h5")
	require.NoError(t, cfg.Validate())
	return &Environment{Config: cfg, Backend: backend, Source: xraySource(t, 100, 16)}
}

func TestNewRunner(t *testing.T) {
	env := testEnvironment(t, backends.MustNew())
	env.Settings = "learning_rate=0.01;cnn_num_layers=3"
	preset, err := PresetByName("cnn_baseline")
	require.NoError(t, err)
	combos, err := preset.Grid.Combinations()
	require.NoError(t, err)
	name := preset.RunName(combos[1])
	assert.Equal(t, "cnn_64_binary_randaugment_1_5", name)

	runner, err := env.NewRunner(preset, name, combos[1])
	require.NoError(t, err)
	assert.Equal(t, name, runner.Name())
	assert.Equal(t, 5, runner.Spec().Train.Magnitude)
	assert.Equal(t, 0.01, runner.network.LearningRate)
	ctx := runner.Trainer().Context()
	assert.Equal(t, 3, context.GetParamOr(ctx, "cnn_num_layers", 0))
	assert.Equal(t, 32, context.GetParamOr(ctx, "batch_size", 0))

	// The checkpoint path encodes the combination, through the run name.
	artifact := runner.Artifact()
	assert.Equal(t, filepath.Join(env.Config.ProjectRoot, "experiments", "cnn_baseline", "checkpoints", name),
		artifact.CheckpointPath)
	assert.Equal(t, filepath.Join(env.Config.LogDir("cnn_baseline"), name, "version_0"), artifact.LogDir)
	assert.Empty(t, artifact.BestCheckpoint)

	env.Settings = "not_a_param=1"
	_, err = env.NewRunner(preset, name, combos[1])
	assert.Error(t, err)
}

func TestSweepEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	t.Setenv(backends.GOMLX_BACKEND, simplego.BackendName)
	env := testEnvironment(t, backends.MustNew())
	env.Settings = "cnn_num_layers=2;cnn_channels=4;cnn_embeddings_size=8"
	baseline, err := PresetByName("cnn_baseline")
	require.NoError(t, err)
	preset := &Preset{
		Name:    "tiny_cnn",
		Grid:    sweep.Grid{sweep.NewAxis("magnitude", 0, 3)},
		RunName: baseline.RunName,
		Plan: func(base config.TrainingParams, combo sweep.Combination) (RunSpec, error) {
			spec, err := planCNNBaseline(base, combo)
			if err != nil {
				return spec, err
			}
			spec.Params.ImageSize = 16
			spec.Params.BatchSize = 4
			spec.Params.EvalBatchSize = 8
			spec.Params.MaxEpochs = 2
			spec.Params.LogEveryNSteps = 5
			spec.Train.Size = 16
			spec.Eval.Size = 16
			return spec, nil
		},
	}

	artifacts, err := env.Sweep(preset).Run()
	require.NoError(t, err)
	require.Len(t, artifacts, preset.Grid.Size())
	for ii, artifact := range artifacts {
		assert.Equal(t, ii, artifact.Combination.Index())
		assert.Equal(t, env.CheckpointPath(preset, artifact.Name), artifact.CheckpointPath)
		magnitude, err := sweep.Get[int](artifact.Combination, "magnitude")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("cnn_64_binary_randaugment_1_%d", magnitude), filepath.Base(artifact.CheckpointPath))
		assert.Contains(t, artifact.TestMetrics, "test_acc")
		assert.FileExists(t, filepath.Join(artifact.LogDir, csvlog.MetricsFileName))

		best, err := trainer.ReadBestCheckpoint(artifact.CheckpointPath)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(artifact.CheckpointPath, best.Checkpoint), artifact.BestCheckpoint)
		assert.Equal(t, best.Score, artifact.BestScore)
		assert.FileExists(t, filepath.Join(artifact.CheckpointPath, best.Filename+trainer.MarkerExt))

		contents, err := os.ReadFile(filepath.Join(artifact.LogDir, csvlog.HparamsFileName))
		require.NoError(t, err)
		var hparams map[string]any
		require.NoError(t, yaml.Unmarshal(contents, &hparams))
		assert.Equal(t, 2, hparams["cnn_num_layers"])
		assert.Equal(t, artifact.Name, hparams["run_name"])
	}
	// One checkpoint directory per combination.
	entries, err := os.ReadDir(env.Config.CheckpointDir(preset.Name))
	require.NoError(t, err)
	var checkpointDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			checkpointDirs = append(checkpointDirs, entry.Name())
		}
	}
	assert.Equal(t, []string{"cnn_64_binary_randaugment_1_0", "cnn_64_binary_randaugment_1_3"}, checkpointDirs)

	// One summary row per run.
	summary, err := os.ReadFile(env.Config.SummaryPath(preset.Name))
	require.NoError(t, err)
	var rows int
	for _, line := range strings.Split(string(summary), "\n") {
		if strings.HasPrefix(line, "│ cnn_64_binary_randaugment_1_") {
			rows++
		}
	}
	assert.Equal(t, len(artifacts), rows)
	assert.Contains(t, string(summary), "Best model:")
}
