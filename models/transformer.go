// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// gelu is the tanh approximation of the Gaussian Error Linear Unit.
func gelu(x *Node) *Node {
	cube := Mul(x, Mul(x, x))
	inner := MulScalar(Add(x, MulScalar(cube, 0.044715)), math.Sqrt(2.0/math.Pi))
	return Mul(MulScalar(x, 0.5), AddScalar(Tanh(inner), 1.0))
}

// transformerDropout applies the "transformer_dropout_rate" hyperparameter, if set.
func transformerDropout(ctx *context.Context, x *Node) *Node {
	rate := context.GetParamOr(ctx, "transformer_dropout_rate", 0.0)
	if rate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}

// selfAttention runs multi-head self-attention on tokens shaped [batch, numTokens, embedDim].
func selfAttention(ctx *context.Context, tokens *Node, numHeads int) *Node {
	embedDim := tokens.Shape().Dimensions[2]
	headDim := embedDim / numHeads
	return layers.MultiHeadAttention(ctx, tokens, tokens, tokens, numHeads, headDim).
		SetValueHeadDim(headDim).
		SetOutputDim(embedDim).
		Done()
}

// mlpBlock is the 2-layer feed-forward block of transformers, with a hidden layer 4x wider.
func mlpBlock(ctx *context.Context, x *Node) *Node {
	embedDim := x.Shape().Dimensions[x.Rank()-1]
	x = layers.DenseWithBias(ctx.In("fc1"), x, 4*embedDim)
	x = gelu(x)
	x = transformerDropout(ctx, x)
	return layers.DenseWithBias(ctx.In("fc2"), x, embedDim)
}

// transformerBlock is a pre-normalization encoder block applied to [batch, numTokens, embedDim].
// attentionFn may rearrange tokens (e.g. into windows) before attending.
func transformerBlock(ctx *context.Context, x *Node, attentionFn func(ctx *context.Context, x *Node) *Node) *Node {
	residual := x
	x = layers.LayerNormalization(ctx.In("norm1"), x, -1).Done()
	x = attentionFn(ctx.In("attention"), x)
	x = Add(transformerDropout(ctx, x), residual)

	residual = x
	x = layers.LayerNormalization(ctx.In("norm2"), x, -1).Done()
	x = mlpBlock(ctx.In("mlp"), x)
	return Add(transformerDropout(ctx, x), residual)
}

// patchEmbedding splits images into non-overlapping patches and projects each to embedDim,
// returning [batch, gridHeight, gridWidth, embedDim].
func patchEmbedding(ctx *context.Context, images *Node, patchSize, embedDim int) *Node {
	return layers.Convolution(ctx.In("patch_embedding"), images).
		Filters(embedDim).
		KernelSize(patchSize).
		Strides(patchSize).
		NoPadding().
		Done()
}
