// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
)

// autoAugmentBins is the number of magnitude levels of the AutoAugment policies.
const autoAugmentBins = 10

// autoAugmentLevels are the parameter ranges of the AutoAugment ImageNet policy.
var autoAugmentLevels = map[OpName]opLevel{
	OpShearX:     {from: 0, to: 0.3, signed: true},
	OpShearY:     {from: 0, to: 0.3, signed: true},
	OpTranslateX: {from: 0, to: 150.0 / 331.0, signed: true, relative: true},
	OpTranslateY: {from: 0, to: 150.0 / 331.0, signed: true, relative: true},
	OpRotate:     {from: 0, to: 30, signed: true},
	OpColor:      {from: 0, to: 0.9, signed: true, enhance: true},
	OpContrast:   {from: 0, to: 0.9, signed: true, enhance: true},
	OpSharpness:  {from: 0, to: 0.9, signed: true, enhance: true},
	OpBrightness: {from: 0, to: 0.9, signed: true, enhance: true},
	OpPosterize:  {from: 8, to: 4, round: true},
	OpSolarize:   {from: 256, to: 0},
}

// SubPolicyStep is one (operation, probability, magnitude bin) entry of an AutoAugment sub-policy.
type SubPolicyStep struct {
	Op          OpName
	Probability float64
	Magnitude   int
}

// SubPolicy is a pair of steps applied in sequence.
type SubPolicy [2]SubPolicyStep

// ImageNetPolicy is the AutoAugment policy learned on ImageNet: one sub-policy is picked uniformly per image.
var ImageNetPolicy = []SubPolicy{
	{{OpPosterize, 0.4, 8}, {OpRotate, 0.6, 9}},
	{{OpSolarize, 0.6, 5}, {OpAutoContrast, 0.6, 5}},
	{{OpEqualize, 0.8, 8}, {OpEqualize, 0.6, 3}},
	{{OpPosterize, 0.6, 7}, {OpPosterize, 0.6, 6}},
	{{OpEqualize, 0.4, 7}, {OpSolarize, 0.2, 4}},

	{{OpEqualize, 0.4, 4}, {OpRotate, 0.8, 8}},
	{{OpSolarize, 0.6, 3}, {OpEqualize, 0.6, 7}},
	{{OpPosterize, 0.8, 5}, {OpEqualize, 1.0, 2}},
	{{OpRotate, 0.2, 3}, {OpSolarize, 0.6, 8}},
	{{OpEqualize, 0.6, 8}, {OpPosterize, 0.4, 6}},

	{{OpRotate, 0.8, 8}, {OpColor, 0.4, 0}},
	{{OpRotate, 0.4, 9}, {OpEqualize, 0.6, 2}},
	{{OpEqualize, 0.0, 7}, {OpEqualize, 0.8, 8}},
	{{OpInvert, 0.6, 4}, {OpEqualize, 1.0, 8}},
	{{OpColor, 0.6, 4}, {OpContrast, 1.0, 8}},

	{{OpRotate, 0.8, 8}, {OpColor, 1.0, 2}},
	{{OpColor, 0.8, 8}, {OpSolarize, 0.8, 7}},
	{{OpSharpness, 0.4, 7}, {OpInvert, 0.6, 8}},
	{{OpShearX, 0.6, 5}, {OpEqualize, 1.0, 9}},
	{{OpColor, 0.4, 0}, {OpEqualize, 0.6, 3}},

	{{OpEqualize, 0.4, 7}, {OpSolarize, 0.2, 4}},
	{{OpSolarize, 0.6, 5}, {OpAutoContrast, 0.6, 5}},
	{{OpInvert, 0.6, 4}, {OpEqualize, 1.0, 8}},
	{{OpColor, 0.6, 4}, {OpContrast, 1.0, 8}},
	{{OpEqualize, 0.8, 8}, {OpEqualize, 0.6, 3}},
}

// ApplyPolicy applies a randomly selected sub-policy of policy to the image.
// Rotations fill uncovered pixels with mid gray.
func ApplyPolicy(policy []SubPolicy) Transform {
	gray := color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	return func(img image.Image, rng *rand.Rand) image.Image {
		if len(policy) == 0 {
			return img
		}
		sub := policy[rng.Intn(len(policy))]
		out := imaging.Clone(img)
		for _, step := range sub {
			if rng.Float64() < step.Probability {
				out = applyLeveled(out, step.Op, step.Magnitude, autoAugmentBins, autoAugmentLevels, gray, rng)
			}
		}
		return out
	}
}

// AutoAugment resizes, applies the ImageNet AutoAugment policy and converts channels.
func AutoAugment(size, channels int) Transform {
	return Compose(Resize(size), ApplyPolicy(ImageNetPolicy), Grayscale(channels))
}
