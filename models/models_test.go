// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/trainer"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateModel(t *testing.T) {
	opts := Options{Size: 384, Classes: 2, Channels: 3}
	for _, name := range []string{
		"cnn", "efficientnet-b0", "efficientnet-b7", "vit-base-patch16-384", "google/vit-base-patch16-384",
		"swin_base_patch4_window12_384_in22k", "swin_tiny_patch4_window7",
	} {
		model, err := CreateModel(name, opts)
		require.NoError(t, err, "model %q", name)
		assert.NotNil(t, model.Backbone)
		assert.Greater(t, model.BatchSize, 0)
		assert.False(t, model.Pretrained)
		assert.Equal(t, opts, model.Options)
	}
	model, err := CreateModel("google/vit-base-patch16-384", opts)
	require.NoError(t, err)
	assert.Equal(t, "vit-base-patch16-384", model.Name)

	for name, o := range map[string]Options{
		"resnet":                              opts,
		"efficientnet-b9":                     opts,
		"vit-huge-patch16":                    opts,
		"vit-base-patch16-224":                opts,
		"vit-base-patch15":                    opts,
		"swin_base_patch4_window12_224":       opts,
		"swin_base_window12_384":              opts,
		"cnn":                                 {Size: 0, Classes: 2, Channels: 3},
		"efficientnet-b1":                     {Size: 64, Classes: 1, Channels: 3},
		"inceptionv3":                         {Size: 64, Classes: 2, Channels: 1},
		"vit-tiny-patch16":                    {Size: 64, Classes: 2, Channels: 2},
		"swin_tiny_patch4_window7_in22k_test": {Size: 100, Classes: 2, Channels: 3},
	} {
		_, err := CreateModel(name, o)
		assert.Error(t, err, "model %q with %+v", name, o)
	}
	assert.Contains(t, Names(), "efficientnet-")
	assert.Contains(t, Names(), "inceptionv3")
}

func TestPretrainedInceptionRequiresDataDir(t *testing.T) {
	_, err := CreateModel("inceptionv3", Options{Size: 299, Classes: 2, Channels: 1, Pretrained: true})
	assert.ErrorContains(t, err, "data directory")

	model, err := CreateModel("inceptionv3", Options{Size: 299, Classes: 2, Channels: 1, Pretrained: true, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, model.Pretrained)
	assert.NotNil(t, model.Prepare)
	assert.Equal(t, 3, model.Processor.Channels)
}

func TestParseNames(t *testing.T) {
	vit, resolution, err := parseViTName("vit-large-patch32-384")
	require.NoError(t, err)
	assert.Equal(t, 384, resolution)
	assert.Equal(t, ViTConfig{EmbedDim: 1024, Depth: 24, NumHeads: 16, PatchSize: 32}, vit)

	swin, resolution, err := parseSwinName("swin_base_patch4_window12_384_in22k")
	require.NoError(t, err)
	assert.Equal(t, 384, resolution)
	assert.Equal(t, 4, swin.PatchSize)
	assert.Equal(t, 12, swin.WindowSize)
	assert.Equal(t, []int{2, 2, 18, 2}, swin.Depths)
	assert.Equal(t, 128, swin.EmbedDim)

	swin, resolution, err = parseSwinName("swin_tiny_patch4_window7")
	require.NoError(t, err)
	assert.Equal(t, 0, resolution)
	assert.Equal(t, 96, swin.EmbedDim)
}

func TestEfficientNetScaling(t *testing.T) {
	assert.Equal(t, 32, roundChannels(32, 1.0))
	assert.Equal(t, 40, roundChannels(32, 1.2))
	assert.Equal(t, 64, roundChannels(32, 2.0))
	assert.Equal(t, 1280, roundChannels(1280, 1.0))
	assert.Equal(t, 2560, roundChannels(1280, 2.0))
	assert.Equal(t, 1, roundRepeats(1, 1.0))
	assert.Equal(t, 4, roundRepeats(3, 1.1))
	assert.Equal(t, 13, roundRepeats(4, 3.1))
}

func TestShiftedWindowMask(t *testing.T) {
	assert.Equal(t, 12, effectiveWindow(96, 12))
	assert.Equal(t, 12, effectiveWindow(12, 12))
	assert.Equal(t, 6, effectiveWindow(6, 12))
	assert.Equal(t, 7, effectiveWindow(14, 7))
	assert.Equal(t, 5, effectiveWindow(10, 7))

	// 4x4 grid, window 2, shift 1: 4 windows of 4 tokens.
	mask := shiftedWindowMask(4, 4, 2, 1)
	require.Len(t, mask, 4)
	for _, windowMask := range mask {
		require.Len(t, windowMask, 4)
		for i := range 4 {
			assert.True(t, windowMask[i][i])
			for j := range 4 {
				assert.Equal(t, windowMask[i][j], windowMask[j][i])
			}
		}
	}
	// Top-left window is entirely from the same region.
	for i := range 4 {
		for j := range 4 {
			assert.True(t, mask[0][i][j])
		}
	}
	// Bottom-right window mixes 4 regions: each token only sees itself.
	for i := range 4 {
		for j := range 4 {
			assert.Equal(t, i == j, mask[3][i][j])
		}
	}
	// Top-right window mixes 2 regions (columns).
	assert.True(t, mask[1][0][2])
	assert.False(t, mask[1][0][1])
}

func TestProcessor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := tensors.FromValue([][][][]float32{{{{0.5}, {1.0}}}}) // [1, 1, 2, 1]

	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return HalfProcessor(3).Apply(images)
	}, input)
	assert.Equal(t, []int{1, 1, 2, 3}, output.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1, 1, 1}, tensors.CopyFlatData[float32](output), 1e-6)

	rgb := tensors.FromValue([][][][]float32{{{{0.2, 0.4, 0.6}}}}) // [1, 1, 1, 3]
	output = context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return Processor{Channels: 1}.Apply(images)
	}, rgb)
	assert.Equal(t, []int{1, 1, 1, 1}, output.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{0.4}, tensors.CopyFlatData[float32](output), 1e-6)

	imageNet := ImageNetProcessor(3)
	assert.Len(t, imageNet.Mean, 3)
	assert.Len(t, imageNet.Std, 3)
}

// backboneOutput builds the network for model and returns the logits of a batch of 2 random images.
func backboneOutput(t *testing.T, name string, opts Options) *tensors.Tensor {
	model, err := CreateModel(name, opts)
	require.NoError(t, err)
	params := config.DefaultTrainingParams()
	params.Precision = config.Precision32
	network := NewNetwork(model, params)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	images := tensors.FromScalarAndDimensions(float32(0.5), 2, opts.Size, opts.Size, opts.Channels)
	return context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return network.ModelGraph(ctx, nil, []*Node{images})[0]
	}, images)
}

func TestBackbones(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping building the backbones in short mode")
	}
	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"cnn", Options{Size: 16, Classes: 2, Channels: 1}},
		{"efficientnet-b0", Options{Size: 32, Classes: 2, Channels: 1}},
		{"vit-tiny-patch8", Options{Size: 32, Classes: 2, Channels: 3}},
		{"swin_tiny_patch4_window4", Options{Size: 32, Classes: 3, Channels: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logits := backboneOutput(t, tc.name, tc.opts)
			assert.Equal(t, dtypes.Float32, logits.Shape().DType)
			assert.Equal(t, []int{2, tc.opts.Classes}, logits.Shape().Dimensions)
		})
	}
}

func TestNetworkConfigureOptimizers(t *testing.T) {
	model, err := CreateModel("cnn", Options{Size: 16, Classes: 2, Channels: 1})
	require.NoError(t, err)
	params := config.DefaultTrainingParams()
	network := NewNetwork(model, params)
	assert.Equal(t, dtypes.Float32, network.ComputeDType())
	optimizer, callbacks := network.ConfigureOptimizers(context.New())
	assert.NotNil(t, optimizer)
	require.Len(t, callbacks, 1)
	plateau, ok := callbacks[0].(*trainer.ReduceLROnPlateau)
	require.True(t, ok)
	assert.Equal(t, params.LRSchedulerFactor, plateau.Factor)
	assert.Equal(t, params.LRSchedulerPatience, plateau.Patience)
	assert.Equal(t, "cnn", network.Hyperparams()["model"])

	network.Precision = config.Precision64
	assert.Equal(t, dtypes.Float64, network.ComputeDType())
}
