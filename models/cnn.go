// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/fnn"
)

func buildCNN(_ string, opts Options) (*ModelDict, error) {
	return &ModelDict{
		Backbone:  CNNEmbeddings,
		Processor: Processor{Channels: opts.Channels},
		BatchSize: 32,
	}, nil
}

// CNNEmbeddings is a residual CNN: "cnn_num_layers" blocks of two 3x3 convolutions, each block followed by a 2x2
// max-pooling, then a FNN over the flattened features.
//
// Hyperparameters: "cnn_num_layers" (default 5), "cnn_channels" (16), "cnn_normalization" ("batch", "layer"
// or "none"), "cnn_dropout_rate" and "cnn_embeddings_size" (128).
func CNNEmbeddings(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	numConvolutions := context.GetParamOr(ctx, "cnn_num_layers", 5)
	numChannels := context.GetParamOr(ctx, "cnn_channels", 16)

	dropoutRate := context.GetParamOr(ctx, "cnn_dropout_rate", -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	var dropoutNode *Node
	if dropoutRate > 0.0 {
		dropoutNode = Scalar(images.Graph(), images.DType(), dropoutRate)
	}

	x := images
	for convIdx := range numConvolutions {
		ctx := ctx.Inf("%03d_conv", convIdx)
		if convIdx > 0 {
			x = normalizeImage(ctx, x)
		}
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := x
			x = layers.Convolution(ctx, x).Filters(numChannels).KernelSize(3).PadSame().Done()
			x = activations.ApplyFromContext(ctx, x)
			if dropoutNode != nil {
				x = layers.Dropout(ctx, x, dropoutNode)
			}
			if residual.Shape().Equal(x.Shape()) {
				x = Add(x, residual)
			}
		}
		if x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
			x = MaxPool(x).Window(2).Done()
		}
	}
	x = Reshape(x, batchSize, -1)
	return fnn.New(ctx.Inf("%03d_fnn", numConvolutions), x, context.GetParamOr(ctx, "cnn_embeddings_size", 128)).Done()
}

func normalizeImage(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	norm := context.GetParamOr(ctx, "cnn_normalization", "batch")
	switch norm {
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).ScaleNormalization(false).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid normalization selected %q -- valid values are batch, layer, none", norm)
	return nil
}
