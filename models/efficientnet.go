// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// EfficientNetScaling holds the compound scaling coefficients of one EfficientNet variant.
type EfficientNetScaling struct {
	Width, Depth float64
}

// EfficientNetVariants maps "b0" ... "b7" to their width and depth multipliers.
var EfficientNetVariants = map[string]EfficientNetScaling{
	"b0": {1.0, 1.0},
	"b1": {1.0, 1.1},
	"b2": {1.1, 1.2},
	"b3": {1.2, 1.4},
	"b4": {1.4, 1.8},
	"b5": {1.6, 2.2},
	"b6": {1.8, 2.6},
	"b7": {2.0, 3.1},
}

// mbConvStage describes one stage of the EfficientNet-B0 baseline.
type mbConvStage struct {
	expand, channels, repeats, stride, kernel int
}

var efficientNetBaseline = []mbConvStage{
	{1, 16, 1, 1, 3},
	{6, 24, 2, 2, 3},
	{6, 40, 2, 2, 5},
	{6, 80, 3, 2, 3},
	{6, 112, 3, 1, 5},
	{6, 192, 4, 2, 5},
	{6, 320, 1, 1, 3},
}

const (
	efficientNetStemChannels = 32
	efficientNetHeadChannels = 1280
	efficientNetSERatio      = 0.25
)

func buildEfficientNet(name string, opts Options) (*ModelDict, error) {
	variant := strings.TrimPrefix(name, "efficientnet-")
	scaling, found := EfficientNetVariants[variant]
	if !found {
		return nil, errors.Errorf("unknown EfficientNet variant %q, valid values are b0 to b7", variant)
	}
	batchSize := 16
	if scaling.Depth >= 2.2 {
		batchSize = 8
	}
	return &ModelDict{
		Backbone:  EfficientNet(scaling),
		Processor: ImageNetProcessor(opts.Channels),
		BatchSize: batchSize,
	}, nil
}

// roundChannels scales channels by the width multiplier, rounded to a multiple of 8 and never
// going below 90% of the scaled value.
func roundChannels(channels int, width float64) int {
	const divisor = 8
	scaled := float64(channels) * width
	rounded := max(divisor, int(scaled+divisor/2)/divisor*divisor)
	if float64(rounded) < 0.9*scaled {
		rounded += divisor
	}
	return rounded
}

func roundRepeats(repeats int, depth float64) int {
	return int(math.Ceil(float64(repeats) * depth))
}

// EfficientNet returns the backbone of an EfficientNet with the given compound scaling.
//
// Hyperparameters: "efficientnet_dropout_rate" (default 0.2), applied to the pooled embeddings.
func EfficientNet(scaling EfficientNetScaling) BackboneFn {
	return func(ctx *context.Context, images *Node) *Node {
		ctx = ctx.In("efficientnet")
		x := layers.Convolution(ctx.In("stem"), images).
			Filters(roundChannels(efficientNetStemChannels, scaling.Width)).
			KernelSize(3).Strides(2).PadSame().UseBias(false).Done()
		x = batchnorm.New(ctx.In("stem_bn"), x, -1).Done()
		x = activations.Swish(x)

		blockIdx := 0
		for stageIdx, stage := range efficientNetBaseline {
			outChannels := roundChannels(stage.channels, scaling.Width)
			for repeat := range roundRepeats(stage.repeats, scaling.Depth) {
				stride := 1
				if repeat == 0 {
					stride = stage.stride
				}
				blockCtx := ctx.In(fmt.Sprintf("stage_%d", stageIdx)).Inf("block_%02d", blockIdx)
				x = mbConv(blockCtx, x, stage.expand, outChannels, stage.kernel, stride)
				blockIdx++
			}
		}

		x = layers.Convolution(ctx.In("head"), x).
			Filters(roundChannels(efficientNetHeadChannels, scaling.Width)).
			KernelSize(1).UseBias(false).Done()
		x = batchnorm.New(ctx.In("head_bn"), x, -1).Done()
		x = activations.Swish(x)
		x = ReduceMean(x, 1, 2)
		dropoutRate := context.GetParamOr(ctx, "efficientnet_dropout_rate", 0.2)
		if dropoutRate > 0 {
			x = layers.DropoutStatic(ctx, x, dropoutRate)
		}
		return x
	}
}

// mbConv is the inverted residual block: 1x1 expansion, depthwise convolution, squeeze-and-excitation
// and 1x1 projection. The residual is added when the input and output shapes match.
func mbConv(ctx *context.Context, x *Node, expand, outChannels, kernel, stride int) *Node {
	inChannels := x.Shape().Dimensions[3]
	residual := x
	expanded := inChannels * expand
	if expand != 1 {
		x = layers.Convolution(ctx.In("expand"), x).Filters(expanded).KernelSize(1).UseBias(false).Done()
		x = batchnorm.New(ctx.In("expand_bn"), x, -1).Done()
		x = activations.Swish(x)
	}

	x = depthwiseConvolution(ctx.In("depthwise"), x, kernel, stride)
	x = batchnorm.New(ctx.In("depthwise_bn"), x, -1).Done()
	x = activations.Swish(x)

	squeezed := max(1, int(float64(inChannels)*efficientNetSERatio))
	x = squeezeExcitation(ctx.In("se"), x, squeezed)

	x = layers.Convolution(ctx.In("project"), x).Filters(outChannels).KernelSize(1).UseBias(false).Done()
	x = batchnorm.New(ctx.In("project_bn"), x, -1).Done()
	if stride == 1 && inChannels == outChannels {
		x = Add(x, residual)
	}
	return x
}

// depthwiseConvolution convolves each channel with its own kernel.
func depthwiseConvolution(ctx *context.Context, x *Node, kernel, stride int) *Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[3]
	weights := ctx.VariableWithShape("weights", shapes.Make(x.DType(), kernel, kernel, 1, channels)).ValueGraph(g)
	return Convolve(x, weights).FeatureGroupCount(channels).Strides(stride).PadSame().Done()
}

// squeezeExcitation rescales the channels of x by a gate computed from their global average.
func squeezeExcitation(ctx *context.Context, x *Node, squeezed int) *Node {
	channels := x.Shape().Dimensions[3]
	gate := ReduceAndKeep(x, ReduceMean, 1, 2)
	gate = layers.DenseWithBias(ctx.In("reduce"), gate, squeezed)
	gate = activations.Swish(gate)
	gate = layers.DenseWithBias(ctx.In("expand"), gate, channels)
	return Mul(x, Sigmoid(gate))
}
