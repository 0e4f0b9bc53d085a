// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/pkg/errors"
)

// SwinConfig describes a Swin Transformer.
type SwinConfig struct {
	EmbedDim   int
	Depths     []int
	NumHeads   []int
	PatchSize  int
	WindowSize int
}

// SwinSizes maps the size name to the configuration, without patch and window sizes.
var SwinSizes = map[string]SwinConfig{
	"tiny":  {EmbedDim: 96, Depths: []int{2, 2, 6, 2}, NumHeads: []int{3, 6, 12, 24}},
	"small": {EmbedDim: 96, Depths: []int{2, 2, 18, 2}, NumHeads: []int{3, 6, 12, 24}},
	"base":  {EmbedDim: 128, Depths: []int{2, 2, 18, 2}, NumHeads: []int{4, 8, 16, 32}},
	"large": {EmbedDim: 192, Depths: []int{2, 2, 18, 2}, NumHeads: []int{6, 12, 24, 48}},
}

// parseSwinName parses names like "swin_base_patch4_window12_384_in22k". The resolution and the
// pretraining suffix are optional.
func parseSwinName(name string) (config SwinConfig, resolution int, err error) {
	parts := strings.Split(strings.TrimPrefix(name, "swin_"), "_")
	if len(parts) < 3 {
		return config, 0, errors.Errorf("invalid Swin name %q, expected swin_<size>_patch<P>_window<W>[_<resolution>]", name)
	}
	config, found := SwinSizes[parts[0]]
	if !found {
		return config, 0, errors.Errorf("unknown Swin size %q in %q", parts[0], name)
	}
	config.PatchSize, err = strconv.Atoi(strings.TrimPrefix(parts[1], "patch"))
	if err != nil || !strings.HasPrefix(parts[1], "patch") || config.PatchSize <= 0 {
		return config, 0, errors.Errorf("invalid Swin patch %q in %q", parts[1], name)
	}
	config.WindowSize, err = strconv.Atoi(strings.TrimPrefix(parts[2], "window"))
	if err != nil || !strings.HasPrefix(parts[2], "window") || config.WindowSize <= 0 {
		return config, 0, errors.Errorf("invalid Swin window %q in %q", parts[2], name)
	}
	if len(parts) > 3 {
		resolution, err = strconv.Atoi(parts[3])
		if err != nil {
			return config, 0, errors.Errorf("invalid Swin resolution %q in %q", parts[3], name)
		}
	}
	return config, resolution, nil
}

func buildSwin(name string, opts Options) (*ModelDict, error) {
	config, resolution, err := parseSwinName(name)
	if err != nil {
		return nil, err
	}
	if resolution != 0 && resolution != opts.Size {
		return nil, errors.Errorf("model expects %dx%d images, got %d", resolution, resolution, opts.Size)
	}
	// Each of the 3 patch merging halves the grid.
	divisor := config.PatchSize << (len(config.Depths) - 1)
	if opts.Size%divisor != 0 {
		return nil, errors.Errorf("image size %d is not divisible by %d", opts.Size, divisor)
	}
	return &ModelDict{
		Backbone:  Swin(config),
		Processor: ImageNetProcessor(opts.Channels),
		BatchSize: 8,
	}, nil
}

// Swin returns the backbone of a Swin Transformer: the mean of the final normalized tokens.
func Swin(config SwinConfig) BackboneFn {
	return func(ctx *context.Context, images *Node) *Node {
		ctx = ctx.In("swin")
		x := patchEmbedding(ctx, images, config.PatchSize, config.EmbedDim)
		x = layers.LayerNormalization(ctx.In("patch_norm"), x, -1).Done()
		x = transformerDropout(ctx, x)
		for stageIdx, depth := range config.Depths {
			stageCtx := ctx.Inf("stage_%d", stageIdx)
			if stageIdx > 0 {
				x = patchMerging(stageCtx.In("merge"), x)
			}
			for blockIdx := range depth {
				shifted := blockIdx%2 == 1
				x = swinBlock(stageCtx.Inf("block_%02d", blockIdx), x, config.NumHeads[stageIdx], config.WindowSize, shifted)
			}
		}
		x = layers.LayerNormalization(ctx.In("final_norm"), x, -1).Done()
		return ReduceMean(x, 1, 2)
	}
}

// effectiveWindow clamps the window to the grid and makes it divide the grid size.
func effectiveWindow(gridSize, window int) int {
	window = min(window, gridSize)
	for gridSize%window != 0 {
		window--
	}
	return window
}

// swinBlock applies a (shifted) window attention block to x shaped [batch, height, width, channels].
func swinBlock(ctx *context.Context, x *Node, numHeads, window int, shifted bool) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	window = effectiveWindow(min(height, width), window)
	shift := 0
	if shifted && window < min(height, width) {
		shift = window / 2
	}
	attention := func(ctx *context.Context, tokens *Node) *Node {
		grid := Reshape(tokens, batchSize, height, width, channels)
		if shift > 0 {
			grid = roll(roll(grid, 1, -shift), 2, -shift)
		}
		windows := windowPartition(grid, window)
		builder := layers.MultiHeadAttention(ctx, windows, windows, windows, numHeads, channels/numHeads).
			SetValueHeadDim(channels / numHeads).
			SetOutputDim(channels)
		if shift > 0 {
			mask := Const(windows.Graph(), shiftedWindowMask(height, width, window, shift))
			numWindows := mask.Shape().Dimensions[0]
			numTokens := window * window
			mask = BroadcastToDims(InsertAxes(mask, 0), batchSize, numWindows, numTokens, numTokens)
			mask = Reshape(mask, batchSize*numWindows, numTokens, numTokens)
			builder = builder.SetQueryKeyMatrixMask(mask)
		}
		windows = builder.Done()
		grid = windowReverse(windows, batchSize, height, width, window)
		if shift > 0 {
			grid = roll(roll(grid, 1, shift), 2, shift)
		}
		return Reshape(grid, batchSize, height*width, channels)
	}
	tokens := Reshape(x, batchSize, height*width, channels)
	tokens = transformerBlock(ctx, tokens, attention)
	return Reshape(tokens, batchSize, height, width, channels)
}

// roll shifts x cyclically along axis: element i moves to i+shift.
func roll(x *Node, axis, shift int) *Node {
	size := x.Shape().Dimensions[axis]
	shift = ((shift % size) + size) % size
	if shift == 0 {
		return x
	}
	ranges := make([]SliceAxisSpec, axis+1)
	for ii := range axis {
		ranges[ii] = AxisRange()
	}
	ranges[axis] = AxisRange(size - shift)
	tail := Slice(x, ranges...)
	ranges[axis] = AxisRange(0, size-shift)
	head := Slice(x, ranges...)
	return Concatenate([]*Node{tail, head}, axis)
}

// windowPartition converts [batch, height, width, channels] to [batch*numWindows, window*window, channels].
func windowPartition(x *Node, window int) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height/window, window, width/window, window, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize*(height/window)*(width/window), window*window, channels)
}

// windowReverse is the inverse of windowPartition.
func windowReverse(windows *Node, batchSize, height, width, window int) *Node {
	channels := windows.Shape().Dimensions[2]
	x := Reshape(windows, batchSize, height/window, width/window, window, window, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height, width, channels)
}

// shiftedWindowMask returns, for each window of a grid rolled by -shift, which pairs of tokens come from
// the same region of the original grid and can attend to each other. It is shaped
// [numWindows, window*window, window*window].
func shiftedWindowMask(height, width, window, shift int) [][][]bool {
	region := func(pos, size int) int {
		switch {
		case pos < size-window:
			return 0
		case pos < size-shift:
			return 1
		}
		return 2
	}
	numTokens := window * window
	var mask [][][]bool
	for wy := 0; wy < height; wy += window {
		for wx := 0; wx < width; wx += window {
			ids := make([]int, 0, numTokens)
			for y := wy; y < wy+window; y++ {
				for x := wx; x < wx+window; x++ {
					ids = append(ids, 3*region(y, height)+region(x, width))
				}
			}
			windowMask := make([][]bool, numTokens)
			for i := range windowMask {
				windowMask[i] = make([]bool, numTokens)
				for j := range windowMask[i] {
					windowMask[i][j] = ids[i] == ids[j]
				}
			}
			mask = append(mask, windowMask)
		}
	}
	return mask
}

// patchMerging concatenates each 2x2 neighbourhood and projects it to twice the channels,
// halving height and width.
func patchMerging(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height/2, 2, width/2, 2, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	x = Reshape(x, batchSize, height/2, width/2, 4*channels)
	x = layers.LayerNormalization(ctx.In("norm"), x, -1).Done()
	return layers.Dense(ctx.In("reduction"), x, false, 2*channels)
}
