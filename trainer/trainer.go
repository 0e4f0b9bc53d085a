// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer drives the training of a Module over a DataModule, epoch by epoch, with callbacks for early
// stopping, checkpointing, learning-rate monitoring and learning-rate reduction on plateaus.
//
// It is built on GoMLX's train.Trainer and train.Loop: Fit runs one epoch of train.Loop at a time and evaluates
// the validation split after each. Metrics are reported to a Logger (see package csvlog).
package trainer

import (
	"maps"
	"math"
	"reflect"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrMaxTimeReached is returned by the step hook when the wall-clock cap is reached. Fit handles it as a
// regular stop.
var ErrMaxTimeReached = errors.New("maximum training time reached")

// Module is the model being trained.
type Module interface {
	// ModelGraph returns the logits, shaped [batch, numClasses].
	ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node

	// ConfigureOptimizers returns the optimizer and the callbacks that schedule it (e.g. ReduceLROnPlateau).
	ConfigureOptimizers(ctx *context.Context) (optimizers.Interface, []Callback)
}

// DataModule provides the train, validation and test splits.
type DataModule interface {
	Train() train.Dataset
	Val() train.Dataset
	Test() train.Dataset
}

// Logger receives the metrics logged during training.
type Logger interface {
	LogMetrics(metrics map[string]float64, step int) error
	LogHyperparams(params map[string]any) error
	Flush() error
	LogDir() string
}

// Options for New.
type Options struct {
	Backend backends.Backend

	// Logger is optional.
	Logger Logger

	Callbacks []Callback

	// MaxTime caps the wall-clock training time of Fit. Zero means no cap.
	MaxTime time.Duration

	// MaxEpochs caps the number of epochs of Fit. Zero means no cap.
	MaxEpochs int

	// LogEveryNSteps is the period of the train_loss logging. Defaults to 50.
	LogEveryNSteps int

	// ProgressBar attaches a command line progress bar to the training loop.
	ProgressBar bool

	// Precision of the run, only reported in the hyperparameters: the data module and the model
	// implement it.
	Precision string
}

// Trainer fits and tests a Module.
type Trainer struct {
	opts Options
	ctx  *context.Context

	module    Module
	trainer   *train.Trainer
	loop      *train.Loop
	callbacks []Callback

	// trainAcc is the moving average accuracy reported with train_loss.
	trainAcc metrics.Interface

	state    State
	fitStart time.Time
}

// State of the training, shared with the callbacks.
type State struct {
	// Epoch being executed, starting at 0.
	Epoch int

	// Step is the number of training steps executed so far.
	Step int

	// Metrics of the last validation (val_loss, val_acc) and the last logged train metrics.
	Metrics map[string]float64

	// ShouldStop can be set by callbacks to end Fit after the current epoch.
	ShouldStop bool
	StopReason string
}

// New creates a Trainer, with a new context to hold the model's variables and hyperparameters.
func New(opts Options) (*Trainer, error) {
	if opts.Backend == nil {
		return nil, errors.New("trainer requires a backend")
	}
	if opts.MaxTime < 0 || opts.MaxEpochs < 0 {
		return nil, errors.Errorf("invalid trainer limits: MaxTime=%s, MaxEpochs=%d", opts.MaxTime, opts.MaxEpochs)
	}
	if opts.LogEveryNSteps <= 0 {
		opts.LogEveryNSteps = 50
	}
	return &Trainer{
		opts:  opts,
		ctx:   context.New(),
		state: State{Metrics: make(map[string]float64)},
	}, nil
}

// Context holds the model's variables and hyperparameters. Set hyperparameters before Fit.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Backend used by the trainer.
func (t *Trainer) Backend() backends.Backend { return t.opts.Backend }

// Logger configured, it may be nil.
func (t *Trainer) Logger() Logger { return t.opts.Logger }

// State returns a copy of the current training state.
func (t *Trainer) State() State {
	s := t.state
	s.Metrics = maps.Clone(t.state.Metrics)
	return s
}

// Callbacks returns all callbacks, the configured ones followed by those of the Module.
func (t *Trainer) Callbacks() []Callback { return t.callbacks }

// setup creates the GoMLX trainer for module, once.
func (t *Trainer) setup(module Module) {
	if t.trainer != nil && t.module == module {
		return
	}
	t.module = module
	optimizer, moduleCallbacks := module.ConfigureOptimizers(t.ctx)
	t.callbacks = append(slices.Clone(t.opts.Callbacks), moduleCallbacks...)
	t.trainAcc = metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	evalAcc := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	t.trainer = train.NewTrainer(t.opts.Backend, t.ctx, module.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizer,
		[]metrics.Interface{t.trainAcc}, // trainMetrics
		[]metrics.Interface{evalAcc})    // evalMetrics
	t.loop = train.NewLoop(t.trainer)
	if t.opts.ProgressBar {
		commandline.AttachProgressBar(t.loop)
	}
	t.loop.OnStep("coxaai trainer", 0, t.onStep)
}

// Fit trains module on the train split of dm, evaluating the validation split after each epoch.
// It stops when a callback asks to, after MaxEpochs or when MaxTime is reached.
func (t *Trainer) Fit(module Module, dm DataModule) error {
	t.setup(module)
	t.fitStart = time.Now()
	t.state.ShouldStop = false
	t.state.StopReason = ""
	if err := t.logHyperparams(); err != nil {
		return err
	}
	for _, cb := range t.callbacks {
		if err := cb.OnFitStart(t); err != nil {
			return errors.WithMessagef(err, "callback %s failed at the start of fit", cb.Name())
		}
	}

	for epoch := 0; t.opts.MaxEpochs == 0 || epoch < t.opts.MaxEpochs; epoch++ {
		t.state.Epoch = epoch
		_, err := t.loop.RunEpochs(dm.Train(), 1)
		if errors.Is(err, ErrMaxTimeReached) {
			// The partial epoch is still validated, so the run always reports val_loss.
			t.stop("max_time")
			dm.Train().Reset()
			err = nil
		}
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}

		valMetrics, err := t.Evaluate(dm.Val(), "val")
		if err != nil {
			return err
		}
		maps.Copy(t.state.Metrics, valMetrics)
		if err := t.logMetrics(valMetrics); err != nil {
			return err
		}
		klog.V(1).Infof("Epoch %d: val_loss=%.4f val_acc=%.4f", epoch, valMetrics["val_loss"], valMetrics["val_acc"])
		for _, cb := range t.callbacks {
			if err := cb.OnValidationEnd(t, &t.state); err != nil {
				return errors.WithMessagef(err, "callback %s failed at the end of epoch %d", cb.Name(), epoch)
			}
		}
		if t.state.ShouldStop {
			break
		}
	}
	if !t.state.ShouldStop {
		t.stop("max_epochs")
	}
	klog.Infof("Fit finished after %d epochs (%d steps) in %s: %s", t.state.Epoch+1, t.state.Step,
		time.Since(t.fitStart).Round(time.Second), t.state.StopReason)

	for _, cb := range t.callbacks {
		if err := cb.OnFitEnd(t, &t.state); err != nil {
			return errors.WithMessagef(err, "callback %s failed at the end of fit", cb.Name())
		}
	}
	return t.flush()
}

func (t *Trainer) stop(reason string) {
	if !t.state.ShouldStop {
		t.state.ShouldStop = true
		t.state.StopReason = reason
	}
}

// Test evaluates module with its current weights on the test split, and logs test_loss and test_acc.
func (t *Trainer) Test(module Module, dm DataModule) (map[string]float64, error) {
	t.setup(module)
	testMetrics, err := t.Evaluate(dm.Test(), "test")
	if err != nil {
		return nil, err
	}
	if err := t.logMetrics(testMetrics); err != nil {
		return nil, err
	}
	if err := t.flush(); err != nil {
		return nil, err
	}
	return testMetrics, nil
}

// Evaluate ds and return its loss and accuracy named "<prefix>_loss" and "<prefix>_acc".
func (t *Trainer) Evaluate(ds train.Dataset, prefix string) (map[string]float64, error) {
	if t.trainer == nil {
		return nil, errors.New("trainer not set up: call Fit or Test first")
	}
	ds.Reset()
	var values []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { values = t.trainer.Eval(ds) })
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating %q", ds.Name())
	}
	if len(values) < 2 {
		return nil, errors.Errorf("evaluating %q returned %d metrics, expected loss and accuracy", ds.Name(), len(values))
	}
	return map[string]float64{
		prefix + "_loss": TensorToFloat64(values[0]),
		prefix + "_acc":  TensorToFloat64(values[1]),
	}, nil
}

// onStep counts steps, logs the train metrics every LogEveryNSteps and enforces MaxTime.
func (t *Trainer) onStep(loop *train.Loop, trainMetrics []*tensors.Tensor) error {
	t.state.Step++
	if t.state.Step%t.opts.LogEveryNSteps == 0 {
		stepMetrics := map[string]float64{"train_loss": TensorToFloat64(trainMetrics[0])}
		for ii, m := range loop.Trainer.TrainMetrics() {
			if m == t.trainAcc && ii < len(trainMetrics) {
				stepMetrics["train_acc"] = TensorToFloat64(trainMetrics[ii])
			}
		}
		maps.Copy(t.state.Metrics, stepMetrics)
		if err := t.logMetrics(stepMetrics); err != nil {
			return err
		}
		for _, cb := range t.callbacks {
			if stepCb, ok := cb.(StepCallback); ok {
				if err := stepCb.OnLoggingStep(t, &t.state); err != nil {
					return errors.WithMessagef(err, "callback %s failed at step %d", cb.Name(), t.state.Step)
				}
			}
		}
	}
	if t.opts.MaxTime > 0 && time.Since(t.fitStart) >= t.opts.MaxTime {
		return ErrMaxTimeReached
	}
	return nil
}

// LogMetrics reports metrics to the logger, if any, at the current step and epoch.
func (t *Trainer) LogMetrics(metrics map[string]float64) error {
	return t.logMetrics(metrics)
}

func (t *Trainer) logMetrics(metrics map[string]float64) error {
	if t.opts.Logger == nil {
		return nil
	}
	row := maps.Clone(metrics)
	row["epoch"] = float64(t.state.Epoch)
	return errors.WithMessage(t.opts.Logger.LogMetrics(row, t.state.Step), "logging metrics")
}

func (t *Trainer) logHyperparams() error {
	if t.opts.Logger == nil {
		return nil
	}
	params := map[string]any{
		"max_epochs":        t.opts.MaxEpochs,
		"max_time":          t.opts.MaxTime.String(),
		"log_every_n_steps": t.opts.LogEveryNSteps,
		"precision":         t.opts.Precision,
	}
	t.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.ScopeSeparator {
			params[key] = value
		}
	})
	return errors.WithMessage(t.opts.Logger.LogHyperparams(params), "logging hyperparameters")
}

func (t *Trainer) flush() error {
	if t.opts.Logger == nil {
		return nil
	}
	return errors.WithMessage(t.opts.Logger.Flush(), "flushing logs")
}

// learningRateVar returns the learning rate variable created by the optimizer, or nil if the model graph
// hasn't been built yet.
func (t *Trainer) learningRateVar() *context.Variable {
	return t.ctx.InspectVariable(t.ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
}

// LearningRate returns the current learning rate. It returns false if it is not known yet.
func (t *Trainer) LearningRate() (float64, bool) {
	v := t.learningRateVar()
	if v == nil {
		if lr, found := t.ctx.GetParam(optimizers.ParamLearningRate); found {
			if value, ok := lr.(float64); ok {
				return value, true
			}
		}
		return 0, false
	}
	return TensorToFloat64(v.Value()), true
}

// SetLearningRate updates the learning rate variable used by the optimizer.
func (t *Trainer) SetLearningRate(lr float64) error {
	v := t.learningRateVar()
	if v == nil {
		return errors.New("learning rate variable not created yet")
	}
	v.SetValue(scalarTensor(lr, v.Shape().DType))
	return nil
}

// scalarTensor creates a scalar tensor of the given float dtype.
func scalarTensor(value float64, dtype dtypes.DType) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromScalar(value)
	case dtypes.Float16:
		return tensors.FromScalar(float16.Fromfloat32(float32(value)))
	}
	return tensors.FromScalar(float32(value))
}

var float64Type = reflect.TypeOf(float64(0))

// TensorToFloat64 converts a scalar tensor of any numeric dtype to float64.
func TensorToFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case float16.Float16:
		return float64(v.Float32())
	}
	value := reflect.ValueOf(t.Value())
	if !value.CanConvert(float64Type) {
		return math.NaN()
	}
	return value.Convert(float64Type).Float()
}
