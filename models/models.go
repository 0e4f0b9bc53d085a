// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package models creates the image classification backbones compared by the experiments, and the
// Network that wraps a backbone into a classifier trained by the trainer package.
//
// Backbones are selected by name with CreateModel:
//
//   - "cnn": a small residual CNN, for smoke runs.
//   - "inceptionv3": InceptionV3, optionally with pretrained ImageNet weights.
//   - "efficientnet-b0" ... "efficientnet-b7": EfficientNet with compound scaling.
//   - "vit-<tiny|small|base|large>-patch<P>-<resolution>": Vision Transformer, e.g. "vit-base-patch16-384".
//   - "swin_<tiny|small|base|large>_patch<P>_window<W>_<resolution>[_in22k]": Swin Transformer,
//     e.g. "swin_base_patch4_window12_384_in22k".
package models

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// BackboneFn builds the feature extractor: it takes normalized images shaped [batch, height, width, channels]
// and returns embeddings shaped [batch, embeddingDim].
type BackboneFn func(ctx *context.Context, images *Node) *Node

// Options for CreateModel.
type Options struct {
	// Size of the (square) input images.
	Size int

	// Pretrained requests pretrained weights, when the model has them.
	Pretrained bool

	// Classes is the number of output classes.
	Classes int

	// Channels of the input images, 1 or 3.
	Channels int

	// DataDir is where pretrained weights are downloaded.
	DataDir string
}

// ModelDict is what CreateModel returns for a model name.
type ModelDict struct {
	Name     string
	Backbone BackboneFn

	// Processor normalizes the images inside the graph, and adapts the number of channels.
	Processor Processor

	// BatchSize is a reasonable default batch size for the model family at 384x384.
	BatchSize int

	// Pretrained reports whether pretrained weights are actually used.
	Pretrained bool

	// Prepare is called once before training, e.g. to download weights. It may be nil.
	Prepare func() error

	Options Options
}

// Builder creates the ModelDict for a name that matched its family.
type Builder func(name string, opts Options) (*ModelDict, error)

var (
	builders = map[string]Builder{
		"cnn":         buildCNN,
		"inceptionv3": buildInceptionV3,
	}

	// familyBuilders are matched by name prefix.
	familyBuilders = map[string]Builder{
		"efficientnet-": buildEfficientNet,
		"vit-":          buildViT,
		"swin_":         buildSwin,
	}
)

// Register a Builder for an exact model name. It replaces any previous builder with the same name.
func Register(name string, builder Builder) {
	builders[name] = builder
}

// Names lists the registered exact model names and family prefixes (ending in "-" or "_").
func Names() []string {
	names := maps.Keys(builders)
	names = append(names, maps.Keys(familyBuilders)...)
	slices.Sort(names)
	return names
}

// CreateModel creates the named model.
func CreateModel(name string, opts Options) (*ModelDict, error) {
	if opts.Size <= 0 {
		return nil, errors.Errorf("model %q: invalid image size %d", name, opts.Size)
	}
	if opts.Classes < 2 {
		return nil, errors.Errorf("model %q: at least 2 classes required, got %d", name, opts.Classes)
	}
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, errors.Errorf("model %q: channels must be 1 or 3, got %d", name, opts.Channels)
	}
	name = strings.TrimPrefix(name, "google/")
	builder, found := builders[name]
	if !found {
		for prefix, familyBuilder := range familyBuilders {
			if strings.HasPrefix(name, prefix) {
				builder = familyBuilder
				found = true
				break
			}
		}
	}
	if !found {
		return nil, errors.Errorf("unknown model %q, known models: %v", name, Names())
	}
	model, err := builder(name, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", name)
	}
	model.Name = name
	model.Options = opts
	if opts.Pretrained && !model.Pretrained {
		klog.Warningf("Model %q has no pretrained weights available, it will be trained from scratch", name)
	}
	return model, nil
}

// Processor normalizes images inside the graph: it adapts the number of channels and applies
// (x - mean) / std per channel. Images are expected with values in [0, 1].
type Processor struct {
	// Channels the backbone expects.
	Channels int

	Mean, Std []float64
}

// ImageNetProcessor uses the ImageNet mean and standard deviation.
func ImageNetProcessor(channels int) Processor {
	if channels == 1 {
		return Processor{Channels: 1, Mean: []float64{0.449}, Std: []float64{0.226}}
	}
	return Processor{Channels: 3, Mean: []float64{0.485, 0.456, 0.406}, Std: []float64{0.229, 0.224, 0.225}}
}

// HalfProcessor maps [0, 1] to [-1, 1], as ViT and InceptionV3 expect.
func HalfProcessor(channels int) Processor {
	p := Processor{Channels: channels}
	for range channels {
		p.Mean = append(p.Mean, 0.5)
		p.Std = append(p.Std, 0.5)
	}
	return p
}

// Apply the processor to images shaped [batch, height, width, channels].
func (p Processor) Apply(images *Node) *Node {
	images.AssertRank(4)
	g := images.Graph()
	dtype := images.DType()
	channels := images.Shape().Dimensions[3]
	if channels != p.Channels {
		switch {
		case channels == 1 && p.Channels == 3:
			images = Concatenate([]*Node{images, images, images}, -1)
		case channels == 3 && p.Channels == 1:
			images = ReduceAndKeep(images, ReduceMean, -1)
		default:
			exceptions.Panicf("processor for %d channels can't take images with %d channels", p.Channels, channels)
		}
	}
	if len(p.Mean) == 0 {
		return images
	}
	if len(p.Mean) != p.Channels || len(p.Std) != p.Channels {
		exceptions.Panicf("processor has %d channels but %d means and %d stds", p.Channels, len(p.Mean), len(p.Std))
	}
	mean := Reshape(ConvertDType(Const(g, p.Mean), dtype), 1, 1, 1, p.Channels)
	std := Reshape(ConvertDType(Const(g, p.Std), dtype), 1, 1, 1, p.Channels)
	return Div(Sub(images, mean), std)
}

// DefaultParams returns the context hyperparameters read by the backbones, with their default values.
// They must be set in the context for command line settings (see commandline.ParseContextSettings) to
// override them.
func DefaultParams() map[string]any {
	return map[string]any{
		layers.ParamDropoutRate: 0.0,

		// CNN.
		"cnn_num_layers":      5,
		"cnn_channels":        16,
		"cnn_normalization":   "batch", // "batch", "layer" or "none".
		"cnn_dropout_rate":    -1.0,    // Negative: use layers.ParamDropoutRate.
		"cnn_embeddings_size": 128,

		// InceptionV3: whether the pretrained weights are fine-tuned.
		"inception_finetuning": true,

		"efficientnet_dropout_rate": 0.2,
		"transformer_dropout_rate":  0.0,
	}
}
