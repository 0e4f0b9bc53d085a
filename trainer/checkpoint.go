// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// BestFileName is written in the checkpoint directory with the description of the best checkpoint.
const BestFileName = "best.yaml"

// MarkerExt is the extension of the file named after the formatted filename of the best checkpoint. It holds the
// base name of the GoMLX checkpoint files it refers to.
const MarkerExt = ".ckpt"

// BestCheckpoint describes the best checkpoint saved by ModelCheckpoint.
type BestCheckpoint struct {
	// Filename formatted from the ModelCheckpoint.Filename template.
	Filename string `yaml:"filename"`

	// Checkpoint is the base name of the checkpoint files in the directory.
	Checkpoint string `yaml:"checkpoint"`

	Monitor string  `yaml:"monitor"`
	Score   float64 `yaml:"score"`
	Epoch   int     `yaml:"epoch"`
	Step    int     `yaml:"step"`
}

// ModelCheckpoint saves the model's variables whenever the monitored metric improves, keeping only the best.
//
// The variables are stored with GoMLX's checkpoint names (e.g. "checkpoint-n0000042-...json"). The formatted
// Filename is recorded in best.yaml and as a marker file "<Filename>.ckpt" next to them, so the
// directory listing shows the epoch and score of the checkpoint kept.
type ModelCheckpoint struct {
	BaseCallback

	// Dir where checkpoints are saved. Any previous contents are removed at the start of the fit.
	Dir string

	// Filename template, e.g. "swin-{epoch:02d}-{val_loss:.2f}". See FormatFilename.
	Filename string

	Monitor string
	Mode    Mode

	handler *checkpoints.Handler
	best    *BestCheckpoint
}

// NewModelCheckpoint monitors a metric to minimize, like "val_loss".
func NewModelCheckpoint(dir, filename, monitor string) *ModelCheckpoint {
	return &ModelCheckpoint{Dir: dir, Filename: filename, Monitor: monitor, Mode: ModeMin}
}

func (mc *ModelCheckpoint) Name() string { return "ModelCheckpoint(" + mc.Monitor + ")" }

func (mc *ModelCheckpoint) OnFitStart(t *Trainer) error {
	if err := mc.Mode.validate(); err != nil {
		return err
	}
	if mc.Dir == "" {
		return errors.New("ModelCheckpoint requires a directory")
	}
	exists, err := fsutil.FileExists(mc.Dir)
	if err != nil {
		return err
	}
	if exists {
		klog.Warningf("Removing previous checkpoints in %q", mc.Dir)
		if err := os.RemoveAll(mc.Dir); err != nil {
			return errors.Wrapf(err, "removing previous checkpoints in %q", mc.Dir)
		}
	}
	if err := fsutil.MkdirAll(mc.Dir); err != nil {
		return err
	}
	mc.handler, err = checkpoints.Build(t.Context()).Dir(mc.Dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint handler in %q", mc.Dir)
	}
	mc.best = nil
	return nil
}

func (mc *ModelCheckpoint) improved(current float64) bool {
	if mc.best == nil {
		return true
	}
	if mc.Mode == ModeMax {
		return current > mc.best.Score
	}
	return current < mc.best.Score
}

func (mc *ModelCheckpoint) OnValidationEnd(_ *Trainer, state *State) error {
	current, err := monitored(state, mc.Monitor)
	if err != nil {
		return err
	}
	if !mc.improved(current) {
		return nil
	}
	if err := mc.handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint in %q", mc.Dir)
	}
	saved, err := mc.handler.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "listing checkpoints in %q", mc.Dir)
	}
	if len(saved) == 0 {
		return errors.Errorf("no checkpoint found in %q after saving", mc.Dir)
	}
	previous := mc.best
	metrics := map[string]float64{"epoch": float64(state.Epoch), "step": float64(state.Step)}
	for k, v := range state.Metrics {
		metrics[k] = v
	}
	mc.best = &BestCheckpoint{
		Filename:   FormatFilename(mc.Filename, metrics),
		Checkpoint: saved[len(saved)-1],
		Monitor:    mc.Monitor,
		Score:      current,
		Epoch:      state.Epoch,
		Step:       state.Step,
	}
	if err := mc.writeMarker(previous); err != nil {
		return err
	}
	klog.V(1).Infof("Epoch %d: %s improved to %.4f, saved %q", state.Epoch, mc.Monitor, current, mc.best.Filename)
	return mc.writeBest()
}

// writeMarker replaces the marker of the previous best checkpoint with the current one.
func (mc *ModelCheckpoint) writeMarker(previous *BestCheckpoint) error {
	if previous != nil && previous.Filename != mc.best.Filename {
		oldPath := filepath.Join(mc.Dir, previous.Filename+MarkerExt)
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %q", oldPath)
		}
	}
	path := filepath.Join(mc.Dir, mc.best.Filename+MarkerExt)
	return errors.Wrapf(os.WriteFile(path, []byte(mc.best.Checkpoint+"\n"), 0o644), "writing %q", path)
}

func (mc *ModelCheckpoint) writeBest() error {
	contents, err := yaml.Marshal(mc.best)
	if err != nil {
		return errors.Wrap(err, "encoding best checkpoint description")
	}
	path := filepath.Join(mc.Dir, BestFileName)
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "writing %q", path)
}

// Best returns the description of the best checkpoint saved, or nil if none was saved.
func (mc *ModelCheckpoint) Best() *BestCheckpoint { return mc.best }

// BestModelPath returns the path to the best checkpoint files, or "" if none was saved.
func (mc *ModelCheckpoint) BestModelPath() string {
	if mc.best == nil {
		return ""
	}
	return filepath.Join(mc.Dir, mc.best.Checkpoint)
}

// ReadBestCheckpoint reads the best.yaml written by ModelCheckpoint in dir.
func ReadBestCheckpoint(dir string) (*BestCheckpoint, error) {
	path := filepath.Join(dir, BestFileName)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	best := &BestCheckpoint{}
	if err := yaml.Unmarshal(contents, best); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return best, nil
}

var filenamePlaceholderRE = regexp.MustCompile(`\{([A-Za-z0-9_\-/]+)(?::([^}]*))?\}`)

// FormatFilename fills the placeholders of a checkpoint filename template with metrics. A placeholder
// "{name:spec}" becomes "name=<value>" where spec is a printf-like format without the "%", e.g.
// "{epoch:02d}-{val_loss:.2f}" becomes "epoch=03-val_loss=0.45". Integer verbs print the value truncated.
// Placeholders of unknown metrics are left empty after the "=".
func FormatFilename(template string, metrics map[string]float64) string {
	return filenamePlaceholderRE.ReplaceAllStringFunc(template, func(placeholder string) string {
		match := filenamePlaceholderRE.FindStringSubmatch(placeholder)
		name, spec := match[1], match[2]
		value, found := metrics[name]
		if !found {
			return name + "="
		}
		if spec == "" {
			spec = "v"
		}
		switch spec[len(spec)-1] {
		case 'd':
			return name + "=" + fmt.Sprintf("%"+spec, int64(value))
		}
		return name + "=" + fmt.Sprintf("%"+spec, value)
	})
}
