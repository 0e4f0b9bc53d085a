// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// RandAugmentBins is the number of magnitude levels of RandAugment: magnitudes go from 0 to RandAugmentBins-1.
const RandAugmentBins = 31

// randAugmentOps is the RandAugment operation list, sampled uniformly.
var randAugmentOps = []OpName{
	OpIdentity, OpShearX, OpShearY, OpTranslateX, OpTranslateY, OpRotate,
	OpBrightness, OpColor, OpContrast, OpSharpness, OpPosterize, OpSolarize,
	OpAutoContrast, OpEqualize,
}

// opLevel describes how a magnitude bin maps to an operation parameter.
type opLevel struct {
	// from and to of the linear space over the bins.
	from, to float64
	// signed operations have their parameter negated with probability 0.5.
	signed bool
	// enhance operations use 1+value as the enhancement factor.
	enhance bool
	// relative values are fractions of the image size (translate).
	relative bool
	// round the value to the nearest integer (posterize).
	round bool
}

var randAugmentLevels = map[OpName]opLevel{
	OpShearX:     {from: 0, to: 0.3, signed: true},
	OpShearY:     {from: 0, to: 0.3, signed: true},
	OpTranslateX: {from: 0, to: 150.0 / 331.0, signed: true, relative: true},
	OpTranslateY: {from: 0, to: 150.0 / 331.0, signed: true, relative: true},
	OpRotate:     {from: 0, to: 30, signed: true},
	OpBrightness: {from: 0, to: 0.9, signed: true, enhance: true},
	OpColor:      {from: 0, to: 0.9, signed: true, enhance: true},
	OpContrast:   {from: 0, to: 0.9, signed: true, enhance: true},
	OpSharpness:  {from: 0, to: 0.9, signed: true, enhance: true},
	OpPosterize:  {from: 8, to: 4, round: true},
	OpSolarize:   {from: 255, to: 0},
}

// resolve the parameter of op for the magnitude bin, out of numBins, for an image of the given size.
func (l opLevel) resolve(bin, numBins int, size image.Point, rng *rand.Rand) float64 {
	v := l.from
	if numBins > 1 {
		v = l.from + (l.to-l.from)*float64(bin)/float64(numBins-1)
	}
	if l.round {
		v = math.Round(v)
	}
	if l.relative {
		// Translations along Y use the height, along X the width; callers pass the matching size in X.
		v *= float64(size.X)
	}
	if l.signed && rng.Float64() < 0.5 {
		v = -v
	}
	if l.enhance {
		v += 1
	}
	return v
}

// applyLeveled applies op at the given bin using levels; operations without a level ignore the bin.
func applyLeveled(img *image.NRGBA, op OpName, bin, numBins int, levels map[OpName]opLevel, fill color.NRGBA, rng *rand.Rand) *image.NRGBA {
	level, found := levels[op]
	if !found {
		return ApplyOp(img, op, 0, fill)
	}
	size := img.Bounds().Size()
	if op == OpTranslateY {
		size.X = size.Y
	}
	return ApplyOp(img, op, level.resolve(bin, numBins, size, rng), fill)
}

// RandAugment applies numOps operations sampled uniformly (with replacement), each at the same magnitude bin
// in [0, RandAugmentBins).
func RandAugment(numOps, magnitude int) (Transform, error) {
	if numOps < 0 {
		return nil, errors.Errorf("RandAugment: num_ops must be >= 0, got %d", numOps)
	}
	if magnitude < 0 || magnitude >= RandAugmentBins {
		return nil, errors.Errorf("RandAugment: magnitude must be in [0, %d), got %d", RandAugmentBins, magnitude)
	}
	black := color.NRGBA{A: 255}
	return func(img image.Image, rng *rand.Rand) image.Image {
		if numOps == 0 {
			return img
		}
		out := imaging.Clone(img)
		for range numOps {
			op := randAugmentOps[rng.Intn(len(randAugmentOps))]
			out = applyLeveled(out, op, magnitude, RandAugmentBins, randAugmentLevels, black, rng)
		}
		return out
	}, nil
}

// RandomAugmentation resizes, applies RandAugment and converts channels.
func RandomAugmentation(size, channels, numOps, magnitude int) (Transform, error) {
	randAugment, err := RandAugment(numOps, magnitude)
	if err != nil {
		return nil, err
	}
	return Compose(Resize(size), randAugment, Grayscale(channels)), nil
}
