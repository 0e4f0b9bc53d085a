// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/gomlx/gomlx/models/inceptionv3"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// inceptionMinSize is the smallest image size InceptionV3 accepts.
const inceptionMinSize = 75

func buildInceptionV3(_ string, opts Options) (*ModelDict, error) {
	if opts.Size < inceptionMinSize {
		return nil, errors.Errorf("InceptionV3 requires images of at least %dx%d, got %d", inceptionMinSize, inceptionMinSize, opts.Size)
	}
	dataDir, err := fsutil.ReplaceTildeInDir(opts.DataDir)
	if err != nil {
		return nil, err
	}
	model := &ModelDict{
		// Pixel scaling is done by inceptionv3.PreprocessImage, the processor only adapts the channels.
		Processor:  Processor{Channels: 3},
		BatchSize:  32,
		Pretrained: opts.Pretrained,
	}
	var weightsDir string
	if opts.Pretrained {
		if dataDir == "" {
			return nil, errors.New("pretrained InceptionV3 requires a data directory for the weights")
		}
		weightsDir = dataDir
		model.Prepare = func() error {
			return errors.WithMessage(inceptionv3.DownloadAndUnpackWeights(dataDir), "downloading InceptionV3 weights")
		}
	}
	model.Backbone = func(ctx *context.Context, images *Node) *Node {
		// The pretrained weights are float32.
		images = ConvertDType(images, dtypes.Float32)
		images = inceptionv3.PreprocessImage(images, 1.0, timage.ChannelsLast)
		return inceptionv3.BuildGraph(ctx, images).
			PreTrained(weightsDir).
			SetPooling(inceptionv3.MaxPooling).
			Trainable(context.GetParamOr(ctx, "inception_finetuning", true)).
			Done()
	}
	return model, nil
}
