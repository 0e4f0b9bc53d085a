// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback hooks into Trainer.Fit.
type Callback interface {
	Name() string
	OnFitStart(t *Trainer) error

	// OnValidationEnd is called after each epoch's validation, with the validation metrics in state.Metrics.
	OnValidationEnd(t *Trainer, state *State) error

	OnFitEnd(t *Trainer, state *State) error
}

// StepCallback is implemented by callbacks that also want to be called on the steps where train metrics
// are logged.
type StepCallback interface {
	Callback
	OnLoggingStep(t *Trainer, state *State) error
}

// BaseCallback implements no-op hooks, to be embedded by callbacks.
type BaseCallback struct{}

func (BaseCallback) OnFitStart(*Trainer) error { return nil }

func (BaseCallback) OnValidationEnd(*Trainer, *State) error { return nil }

func (BaseCallback) OnFitEnd(*Trainer, *State) error { return nil }

// Mode of a monitored metric.
type Mode string

const (
	// ModeMin means lower values are better, e.g. "val_loss".
	ModeMin Mode = "min"

	// ModeMax means higher values are better, e.g. "val_acc".
	ModeMax Mode = "max"
)

func (m Mode) validate() error {
	if m != ModeMin && m != ModeMax {
		return errors.Errorf("invalid mode %q, valid values are %q and %q", m, ModeMin, ModeMax)
	}
	return nil
}

// initialBest is the worst possible value for the mode.
func (m Mode) initialBest() float64 {
	if m == ModeMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// monitored reads the metric from the state.
func monitored(state *State, monitor string) (float64, error) {
	value, found := state.Metrics[monitor]
	if !found {
		return 0, errors.Errorf("monitored metric %q not available, metrics are %v", monitor, state.Metrics)
	}
	return value, nil
}

// EarlyStopping stops the fit when the monitored metric stops improving for Patience validations.
type EarlyStopping struct {
	BaseCallback

	Monitor  string
	Mode     Mode
	Patience int

	// MinDelta is the minimum change counted as an improvement.
	MinDelta float64

	best float64
	wait int
}

// NewEarlyStopping monitors a metric to minimize, like "val_loss".
func NewEarlyStopping(monitor string, patience int) *EarlyStopping {
	return &EarlyStopping{Monitor: monitor, Mode: ModeMin, Patience: patience}
}

func (es *EarlyStopping) Name() string { return "EarlyStopping(" + es.Monitor + ")" }

func (es *EarlyStopping) OnFitStart(*Trainer) error {
	if err := es.Mode.validate(); err != nil {
		return err
	}
	if es.Patience < 0 {
		return errors.Errorf("invalid early stopping patience %d", es.Patience)
	}
	es.best = es.Mode.initialBest()
	es.wait = 0
	return nil
}

// improved reports whether current is better than best by more than MinDelta.
func (es *EarlyStopping) improved(current float64) bool {
	if es.Mode == ModeMax {
		return current > es.best+es.MinDelta
	}
	return current < es.best-es.MinDelta
}

func (es *EarlyStopping) OnValidationEnd(_ *Trainer, state *State) error {
	current, err := monitored(state, es.Monitor)
	if err != nil {
		return err
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		state.ShouldStop = true
		state.StopReason = "early stopping: " + es.Monitor + " is not finite"
		return nil
	}
	if es.improved(current) {
		es.best = current
		es.wait = 0
		return nil
	}
	es.wait++
	if es.wait >= es.Patience {
		state.ShouldStop = true
		state.StopReason = "early stopping: " + es.Monitor + " did not improve"
		klog.Infof("Early stopping: %s did not improve for %d epochs, best value %.4f", es.Monitor, es.wait, es.best)
	}
	return nil
}

// LearningRateMonitor logs the learning rate as "lr-<OptimizerName>", at every validation ("epoch") or on the
// logging steps ("step").
type LearningRateMonitor struct {
	BaseCallback

	LoggingInterval string
	OptimizerName   string
}

// NewLearningRateMonitor for the Adam optimizer.
func NewLearningRateMonitor(loggingInterval string) *LearningRateMonitor {
	return &LearningRateMonitor{LoggingInterval: loggingInterval, OptimizerName: "Adam"}
}

func (lm *LearningRateMonitor) Name() string { return "LearningRateMonitor" }

func (lm *LearningRateMonitor) OnFitStart(*Trainer) error {
	if lm.LoggingInterval != "epoch" && lm.LoggingInterval != "step" {
		return errors.Errorf("invalid learning rate logging interval %q, valid values are \"epoch\" and \"step\"", lm.LoggingInterval)
	}
	return nil
}

func (lm *LearningRateMonitor) log(t *Trainer, state *State) error {
	lr, ok := t.LearningRate()
	if !ok {
		return nil
	}
	key := "lr-" + lm.OptimizerName
	state.Metrics[key] = lr
	return t.LogMetrics(map[string]float64{key: lr})
}

func (lm *LearningRateMonitor) OnValidationEnd(t *Trainer, state *State) error {
	if lm.LoggingInterval != "epoch" {
		return nil
	}
	return lm.log(t, state)
}

func (lm *LearningRateMonitor) OnLoggingStep(t *Trainer, state *State) error {
	if lm.LoggingInterval != "step" {
		return nil
	}
	return lm.log(t, state)
}

// ReduceLROnPlateau multiplies the learning rate by Factor when the monitored metric hasn't improved (by a
// relative Threshold) for more than Patience validations.
type ReduceLROnPlateau struct {
	BaseCallback

	Monitor  string
	Mode     Mode
	Factor   float64
	Patience int

	// Threshold is the relative improvement required. Defaults to 1e-4.
	Threshold float64

	MinLR float64

	best       float64
	badEpochs  int
	reductions int
}

// NewReduceLROnPlateau monitors a metric to minimize, like "val_loss".
func NewReduceLROnPlateau(monitor string, factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Monitor: monitor, Mode: ModeMin, Factor: factor, Patience: patience, Threshold: 1e-4}
}

func (rp *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau(" + rp.Monitor + ")" }

func (rp *ReduceLROnPlateau) OnFitStart(*Trainer) error {
	if err := rp.Mode.validate(); err != nil {
		return err
	}
	if rp.Factor <= 0 || rp.Factor >= 1 {
		return errors.Errorf("learning rate reduction factor must be in (0, 1), got %g", rp.Factor)
	}
	rp.best = rp.Mode.initialBest()
	rp.badEpochs = 0
	rp.reductions = 0
	return nil
}

// Reductions returns how many times the learning rate was reduced.
func (rp *ReduceLROnPlateau) Reductions() int { return rp.reductions }

func (rp *ReduceLROnPlateau) isBetter(current float64) bool {
	if rp.Mode == ModeMax {
		return current > rp.best*(1+rp.Threshold)
	}
	return current < rp.best*(1-rp.Threshold)
}

// step updates the plateau counters with a new value and reports whether the learning rate should be reduced.
func (rp *ReduceLROnPlateau) step(current float64) bool {
	if rp.isBetter(current) {
		rp.best = current
		rp.badEpochs = 0
		return false
	}
	rp.badEpochs++
	if rp.badEpochs > rp.Patience {
		rp.badEpochs = 0
		return true
	}
	return false
}

// reducedLR returns the new learning rate, and false if the change would be negligible.
func (rp *ReduceLROnPlateau) reducedLR(lr float64) (float64, bool) {
	const eps = 1e-8
	newLR := max(lr*rp.Factor, rp.MinLR)
	return newLR, lr-newLR > eps
}

func (rp *ReduceLROnPlateau) OnValidationEnd(t *Trainer, state *State) error {
	current, err := monitored(state, rp.Monitor)
	if err != nil {
		return err
	}
	if !rp.step(current) {
		return nil
	}
	lr, ok := t.LearningRate()
	if !ok {
		return errors.New("ReduceLROnPlateau: learning rate not available")
	}
	newLR, changed := rp.reducedLR(lr)
	if !changed {
		return nil
	}
	if err := t.SetLearningRate(newLR); err != nil {
		return errors.WithMessage(err, "ReduceLROnPlateau")
	}
	rp.reductions++
	klog.Infof("Epoch %d: reducing learning rate from %.3g to %.3g", state.Epoch, lr, newLR)
	return nil
}
