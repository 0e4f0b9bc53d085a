// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/data"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping("val_loss", 2)
	require.NoError(t, es.OnFitStart(nil))
	state := &State{Metrics: map[string]float64{}}
	for epoch, loss := range []float64{1.0, 0.8, 0.9, 0.8, 0.7, 0.75, 0.71} {
		state.Epoch = epoch
		state.Metrics["val_loss"] = loss
		require.NoError(t, es.OnValidationEnd(nil, state))
		if epoch < 6 {
			assert.False(t, state.ShouldStop, "epoch %d", epoch)
		}
	}
	assert.True(t, state.ShouldStop)
	assert.Contains(t, state.StopReason, "val_loss")

	// MinDelta: improvements smaller than it count as no improvement.
	es = &EarlyStopping{Monitor: "val_acc", Mode: ModeMax, Patience: 1, MinDelta: 0.05}
	require.NoError(t, es.OnFitStart(nil))
	state = &State{Metrics: map[string]float64{"val_acc": 0.5}}
	require.NoError(t, es.OnValidationEnd(nil, state))
	state.Metrics["val_acc"] = 0.52
	require.NoError(t, es.OnValidationEnd(nil, state))
	assert.True(t, state.ShouldStop)

	// Non-finite values stop immediately.
	es = NewEarlyStopping("val_loss", 10)
	require.NoError(t, es.OnFitStart(nil))
	state = &State{Metrics: map[string]float64{"val_loss": math.NaN()}}
	require.NoError(t, es.OnValidationEnd(nil, state))
	assert.True(t, state.ShouldStop)

	// Missing metric.
	state = &State{Metrics: map[string]float64{}}
	assert.Error(t, es.OnValidationEnd(nil, state))

	es.Mode = "median"
	assert.Error(t, es.OnFitStart(nil))
}

func TestReduceLROnPlateau(t *testing.T) {
	rp := NewReduceLROnPlateau("val_loss", 0.2, 2)
	require.NoError(t, rp.OnFitStart(nil))
	var reduced []int
	for epoch, loss := range []float64{1.0, 0.9, 0.9, 0.9, 0.9, 0.89999, 0.9, 0.9, 0.5} {
		if rp.step(loss) {
			reduced = append(reduced, epoch)
		}
	}
	// Patience 2: the 3rd epoch without improvement reduces. 0.89999 is within the relative threshold.
	assert.Equal(t, []int{4, 7}, reduced)

	newLR, changed := rp.reducedLR(5e-6)
	assert.True(t, changed)
	assert.InDelta(t, 1e-6, newLR, 1e-12)

	rp.MinLR = 1e-3
	newLR, changed = rp.reducedLR(1e-3)
	assert.False(t, changed)
	assert.Equal(t, 1e-3, newLR)

	rp.Factor = 1.5
	assert.Error(t, rp.OnFitStart(nil))
}

func TestFormatFilename(t *testing.T) {
	metrics := map[string]float64{"epoch": 3, "val_loss": 0.4567}
	assert.Equal(t, "swin-epoch=03-val_loss=0.46",
		FormatFilename("swin-{epoch:02d}-{val_loss:.2f}", metrics))
	assert.Equal(t, "efficientnet_b0_best_checkpoint_epoch=03_val_loss=0.46",
		FormatFilename("efficientnet_b0_best_checkpoint_{epoch:02d}_{val_loss:.2f}", metrics))
	assert.Equal(t, "run-epoch=3-val_acc=", FormatFilename("run-{epoch}-{val_acc:.2f}", metrics))
	assert.Equal(t, "plain", FormatFilename("plain", metrics))
}

func TestTensorToFloat64(t *testing.T) {
	assert.Equal(t, 0.5, TensorToFloat64(tensors.FromScalar(float32(0.5))))
	assert.Equal(t, 0.25, TensorToFloat64(tensors.FromScalar(0.25)))
	assert.Equal(t, 3.0, TensorToFloat64(tensors.FromScalar(int32(3))))
}

// memoryLogger records the logged metrics.
type memoryLogger struct {
	rows    []map[string]float64
	steps   []int
	params  map[string]any
	flushes int
	dir     string
}

func (l *memoryLogger) LogMetrics(metrics map[string]float64, step int) error {
	l.rows = append(l.rows, metrics)
	l.steps = append(l.steps, step)
	return nil
}

func (l *memoryLogger) LogHyperparams(params map[string]any) error {
	l.params = params
	return nil
}

func (l *memoryLogger) Flush() error {
	l.flushes++
	return nil
}

func (l *memoryLogger) LogDir() string { return l.dir }

func (l *memoryLogger) has(key string) int {
	var count int
	for _, row := range l.rows {
		if _, found := row[key]; found {
			count++
		}
	}
	return count
}

// linearModule is a logistic regression over the pixels.
type linearModule struct{}

func (linearModule) ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	x := inputs[0]
	x = Reshape(x, x.Shape().Dimensions[0], -1)
	return []*Node{layers.DenseWithBias(ctx.In("logits"), x, 2)}
}

func (linearModule) ConfigureOptimizers(*context.Context) (optimizers.Interface, []Callback) {
	return optimizers.Adam().LearningRate(0.01).Done(), []Callback{NewReduceLROnPlateau("val_loss", 0.5, 0)}
}

// brightnessDataModule has dark images labeled 0 and bright images labeled 1.
func brightnessDataModule(t *testing.T) *data.DataModule {
	const n = 40
	images := make([]image.Image, n)
	labels := make([]int, n)
	folds := make([]int, n)
	for i := range n {
		img := image.NewGray(image.Rect(0, 0, 4, 4))
		labels[i] = i % 2
		for p := range img.Pix {
			img.Pix[p] = uint8(40 + 160*labels[i] + i)
		}
		images[i] = img
		folds[i] = (i / 2) % 5
	}
	source, err := data.NewMemorySource(images, labels, folds)
	require.NoError(t, err)
	noAug := augment.NoAugmentation(4, 1)
	dm, err := data.NewDataModule(source, data.Config{
		BatchSize: 4, EvalBatchSize: 3,
		TrainFolds: []int{0, 1, 2}, ValFolds: []int{3}, TestFolds: []int{4},
		TrainTransform: noAug, ValTransform: noAug, TestTransform: noAug,
		Channels: 1,
	})
	require.NoError(t, err)
	return dm
}

func TestFitAndTest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := backends.MustNew()
	logger := &memoryLogger{dir: t.TempDir()}
	checkpointDir := filepath.Join(t.TempDir(), "run")
	checkpoint := NewModelCheckpoint(checkpointDir, "linear-{epoch:02d}-{val_loss:.2f}", "val_loss")
	trainer, err := New(Options{
		Backend:        backend,
		Logger:         logger,
		Callbacks:      []Callback{NewEarlyStopping("val_loss", 3), checkpoint, NewLearningRateMonitor("epoch")},
		MaxEpochs:      4,
		LogEveryNSteps: 2,
	})
	require.NoError(t, err)
	dm := brightnessDataModule(t)
	module := linearModule{}

	require.NoError(t, trainer.Fit(module, dm))
	state := trainer.State()
	assert.LessOrEqual(t, state.Epoch, 3)
	// 24 training examples in batches of 4.
	assert.Equal(t, 6*(state.Epoch+1), state.Step)
	assert.Contains(t, state.Metrics, "val_loss")
	assert.Contains(t, state.Metrics, "lr-Adam")
	assert.Equal(t, state.Epoch+1, logger.has("val_loss"))
	assert.Equal(t, state.Step/2, logger.has("train_loss"))
	assert.Equal(t, "", logger.params["precision"])
	assert.Len(t, trainer.Callbacks(), 4)

	best, err := ReadBestCheckpoint(checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Best().Filename, best.Filename)
	assert.Contains(t, best.Filename, "linear-epoch=")
	assert.FileExists(t, checkpoint.BestModelPath()+".json")
	markers, err := filepath.Glob(filepath.Join(checkpointDir, "*"+MarkerExt))
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, filepath.Join(checkpointDir, best.Filename+MarkerExt), markers[0])
	marker, err := os.ReadFile(markers[0])
	require.NoError(t, err)
	assert.Equal(t, best.Checkpoint+"\n", string(marker))

	testMetrics, err := trainer.Test(module, dm)
	require.NoError(t, err)
	assert.Contains(t, testMetrics, "test_loss")
	assert.GreaterOrEqual(t, testMetrics["test_acc"], 0.0)
	assert.LessOrEqual(t, testMetrics["test_acc"], 1.0)
	assert.Equal(t, 1, logger.has("test_acc"))

	// A second fit removes the previous checkpoints.
	stale := filepath.Join(checkpointDir, "stale")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	require.NoError(t, trainer.Fit(module, dm))
	assert.NoFileExists(t, stale)
}

func TestFitStopsOnMaxTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	logger := &memoryLogger{dir: t.TempDir()}
	trainer, err := New(Options{
		Backend:        backends.MustNew(),
		Logger:         logger,
		Callbacks:      []Callback{NewEarlyStopping("val_loss", 3)},
		MaxTime:        time.Nanosecond,
		LogEveryNSteps: 1,
	})
	require.NoError(t, err)
	require.NoError(t, trainer.Fit(linearModule{}, brightnessDataModule(t)))

	state := trainer.State()
	assert.Equal(t, "max_time", state.StopReason)
	assert.Equal(t, 0, state.Epoch)
	assert.Equal(t, 1, state.Step)
	// The interrupted epoch is still validated.
	assert.Contains(t, state.Metrics, "val_loss")
	assert.Equal(t, 1, logger.has("val_loss"))
}
