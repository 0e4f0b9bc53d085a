// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// ViTConfig describes a Vision Transformer.
type ViTConfig struct {
	EmbedDim, Depth, NumHeads int
	PatchSize                 int
}

// ViTSizes maps the size name to the configuration, without the patch size.
var ViTSizes = map[string]ViTConfig{
	"tiny":  {EmbedDim: 192, Depth: 12, NumHeads: 3},
	"small": {EmbedDim: 384, Depth: 12, NumHeads: 6},
	"base":  {EmbedDim: 768, Depth: 12, NumHeads: 12},
	"large": {EmbedDim: 1024, Depth: 24, NumHeads: 16},
}

// parseViTName parses names like "vit-base-patch16-384": the trailing resolution is optional.
func parseViTName(name string) (config ViTConfig, resolution int, err error) {
	parts := strings.Split(strings.TrimPrefix(name, "vit-"), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return config, 0, errors.Errorf("invalid ViT name %q, expected vit-<size>-patch<P>[-<resolution>]", name)
	}
	config, found := ViTSizes[parts[0]]
	if !found {
		return config, 0, errors.Errorf("unknown ViT size %q in %q", parts[0], name)
	}
	if !strings.HasPrefix(parts[1], "patch") {
		return config, 0, errors.Errorf("invalid ViT patch %q in %q", parts[1], name)
	}
	config.PatchSize, err = strconv.Atoi(strings.TrimPrefix(parts[1], "patch"))
	if err != nil || config.PatchSize <= 0 {
		return config, 0, errors.Errorf("invalid ViT patch size in %q", name)
	}
	if len(parts) == 3 {
		resolution, err = strconv.Atoi(parts[2])
		if err != nil {
			return config, 0, errors.Wrapf(err, "invalid ViT resolution in %q", name)
		}
	}
	return config, resolution, nil
}

func buildViT(name string, opts Options) (*ModelDict, error) {
	config, resolution, err := parseViTName(name)
	if err != nil {
		return nil, err
	}
	if resolution != 0 && resolution != opts.Size {
		return nil, errors.Errorf("model expects %dx%d images, got %d", resolution, resolution, opts.Size)
	}
	if opts.Size%config.PatchSize != 0 {
		return nil, errors.Errorf("image size %d is not divisible by the patch size %d", opts.Size, config.PatchSize)
	}
	return &ModelDict{
		Backbone:  ViT(config),
		Processor: HalfProcessor(opts.Channels),
		BatchSize: 16,
	}, nil
}

// ViT returns the backbone of a Vision Transformer: it returns the normalized embedding of the
// class token.
func ViT(config ViTConfig) BackboneFn {
	return func(ctx *context.Context, images *Node) *Node {
		ctx = ctx.In("vit")
		g := images.Graph()
		dtype := images.DType()
		batchSize := images.Shape().Dimensions[0]

		x := patchEmbedding(ctx, images, config.PatchSize, config.EmbedDim)
		numPatches := x.Shape().Dimensions[1] * x.Shape().Dimensions[2]
		x = Reshape(x, batchSize, numPatches, config.EmbedDim)

		classToken := ctx.VariableWithShape("class_token", shapes.Make(dtype, 1, 1, config.EmbedDim)).ValueGraph(g)
		classToken = BroadcastToDims(classToken, batchSize, 1, config.EmbedDim)
		x = Concatenate([]*Node{classToken, x}, 1)
		positions := ctx.VariableWithShape("position_embedding", shapes.Make(dtype, 1, numPatches+1, config.EmbedDim)).ValueGraph(g)
		x = Add(x, positions)
		x = transformerDropout(ctx, x)

		attention := func(ctx *context.Context, x *Node) *Node {
			return selfAttention(ctx, x, config.NumHeads)
		}
		for layerIdx := range config.Depth {
			x = transformerBlock(ctx.Inf("encoder_%02d", layerIdx), x, attention)
		}
		x = layers.LayerNormalization(ctx.In("final_norm"), x, -1).Done()
		x = Slice(x, AxisRange(), AxisRange(0, 1))
		return Reshape(x, batchSize, config.EmbedDim)
	}
}
