// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/trainer"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// Network wraps a backbone into a classifier: images are converted to the compute dtype, normalized by the
// model's Processor, embedded by the backbone and projected to the class logits.
//
// It implements trainer.Module.
type Network struct {
	Model *ModelDict

	LearningRate float64

	// PlateauFactor and PlateauPatience configure the ReduceLROnPlateau schedule on "val_loss".
	PlateauFactor   float64
	PlateauPatience int

	// Precision selects the compute dtype: float64 for "64", float32 otherwise. Half precision images are
	// upcast inside the graph.
	Precision string
}

var _ trainer.Module = (*Network)(nil)

// NewNetwork creates the Network for model, with the optimizer settings of the training parameters.
func NewNetwork(model *ModelDict, params config.TrainingParams) *Network {
	return &Network{
		Model:           model,
		LearningRate:    params.LearningRate,
		PlateauFactor:   params.LRSchedulerFactor,
		PlateauPatience: params.LRSchedulerPatience,
		Precision:       params.Precision,
	}
}

// ComputeDType of the network.
func (n *Network) ComputeDType() dtypes.DType {
	if n.Precision == config.Precision64 {
		return dtypes.Float64
	}
	return dtypes.Float32
}

// ModelGraph implements trainer.Module.
func (n *Network) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	images := inputs[0]
	if images.DType() != n.ComputeDType() {
		images = ConvertDType(images, n.ComputeDType())
	}
	images = n.Model.Processor.Apply(images)
	embeddings := n.Model.Backbone(ctx, images)
	logits := layers.DenseWithBias(ctx.In("classifier"), embeddings, n.Model.Options.Classes)
	return []*Node{logits}
}

// ConfigureOptimizers implements trainer.Module: Adam with the network's learning rate, reduced on
// plateaus of the validation loss.
func (n *Network) ConfigureOptimizers(ctx *context.Context) (optimizers.Interface, []trainer.Callback) {
	_ = ctx
	optimizer := optimizers.Adam().LearningRate(n.LearningRate).Done()
	var callbacks []trainer.Callback
	if n.PlateauFactor > 0 {
		callbacks = append(callbacks, trainer.NewReduceLROnPlateau("val_loss", n.PlateauFactor, n.PlateauPatience))
	}
	return optimizer, callbacks
}

// Hyperparams of the network, for logging.
func (n *Network) Hyperparams() map[string]any {
	return map[string]any{
		"model":                 n.Model.Name,
		"pretrained":            n.Model.Pretrained,
		"image_size":            n.Model.Options.Size,
		"channels":              n.Model.Options.Channels,
		"num_classes":           n.Model.Options.Classes,
		"learning_rate":         n.LearningRate,
		"lr_scheduler_factor":   n.PlateauFactor,
		"lr_scheduler_patience": n.PlateauPatience,
		"precision":             n.Precision,
	}
}
