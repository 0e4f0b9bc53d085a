// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package augment builds the per-image transforms used by the data pipeline: resizing, grayscale conversion
// and the augmentation strategies compared by the experiments (RandAugment, AutoAugment and a light
// rotation/flip augmentation).
//
// Transforms take and return image.Image; they never modify their input.
// The random source is passed explicitly, so a transform is deterministic given the seed.
package augment

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Transform maps an image to a new (possibly augmented) image.
type Transform func(img image.Image, rng *rand.Rand) image.Image

// Compose chains transforms, left to right.
func Compose(transforms ...Transform) Transform {
	return func(img image.Image, rng *rand.Rand) image.Image {
		for _, t := range transforms {
			img = t(img, rng)
		}
		return img
	}
}

// Resize to size x size with bilinear interpolation, ignoring the aspect ratio.
func Resize(size int) Transform {
	return func(img image.Image, _ *rand.Rand) image.Image {
		bounds := img.Bounds()
		if bounds.Dx() == size && bounds.Dy() == size {
			return img
		}
		return imaging.Resize(img, size, size, imaging.Linear)
	}
}

// Grayscale converts the image if channels is 1, and is a no-op otherwise.
func Grayscale(channels int) Transform {
	return func(img image.Image, _ *rand.Rand) image.Image {
		if channels != 1 {
			return img
		}
		if _, isGray := img.(*image.Gray); isGray {
			return img
		}
		return imaging.Grayscale(img)
	}
}

// RandomRotation rotates the image by an angle uniformly sampled from [-maxDegrees, maxDegrees], keeping its size.
func RandomRotation(maxDegrees float64) Transform {
	return func(img image.Image, rng *rand.Rand) image.Image {
		angle := (2*rng.Float64() - 1) * maxDegrees
		return ApplyOp(imaging.Clone(img), OpRotate, angle, color.NRGBA{A: 255})
	}
}

// RandomHorizontalFlip flips the image with probability p.
func RandomHorizontalFlip(p float64) Transform {
	return func(img image.Image, rng *rand.Rand) image.Image {
		if rng.Float64() < p {
			return imaging.FlipH(img)
		}
		return img
	}
}

// NoAugmentation only resizes and converts channels: used for validation and test.
func NoAugmentation(size, channels int) Transform {
	return Compose(Resize(size), Grayscale(channels))
}

// LightAugmentation resizes, rotates by up to maxDegrees, converts channels and randomly flips horizontally.
// With maxDegrees == 0 it is only a random flip.
func LightAugmentation(size, channels int, maxDegrees float64) Transform {
	transforms := []Transform{Resize(size)}
	if maxDegrees > 0 {
		transforms = append(transforms, RandomRotation(maxDegrees))
	}
	transforms = append(transforms, Grayscale(channels), RandomHorizontalFlip(0.5))
	return Compose(transforms...)
}

// Strategy names accepted by Spec.
const (
	StrategyNone        = "none"
	StrategyRandAugment = "randaugment"
	StrategyAutoAugment = "autoaugment"
	StrategyLight       = "light"
)

// Spec describes a transform in a way that can be logged as hyperparameters and built later.
type Spec struct {
	Strategy string
	Size     int
	Channels int

	// NumOps and Magnitude configure RandAugment.
	NumOps, Magnitude int

	// MaxDegrees configures the rotation of the light augmentation.
	MaxDegrees float64
}

// Build the Transform described by the spec.
func (s Spec) Build() (Transform, error) {
	if s.Size <= 0 {
		return nil, errors.Errorf("augmentation %q: invalid size %d", s.Strategy, s.Size)
	}
	if s.Channels != 1 && s.Channels != 3 {
		return nil, errors.Errorf("augmentation %q: channels must be 1 or 3, got %d", s.Strategy, s.Channels)
	}
	switch s.Strategy {
	case StrategyNone, "":
		return NoAugmentation(s.Size, s.Channels), nil
	case StrategyRandAugment:
		return RandomAugmentation(s.Size, s.Channels, s.NumOps, s.Magnitude)
	case StrategyAutoAugment:
		return AutoAugment(s.Size, s.Channels), nil
	case StrategyLight:
		return LightAugmentation(s.Size, s.Channels, s.MaxDegrees), nil
	}
	return nil, errors.Errorf("unknown augmentation strategy %q", s.Strategy)
}

// Params returns the spec as hyperparameters, prefixed by prefix.
func (s Spec) Params(prefix string) map[string]any {
	params := map[string]any{
		prefix + "augmentation": s.Strategy,
		prefix + "size":         s.Size,
		prefix + "channels":     s.Channels,
	}
	switch s.Strategy {
	case StrategyRandAugment:
		params[prefix+"num_ops"] = s.NumOps
		params[prefix+"magnitude"] = s.Magnitude
	case StrategyLight:
		params[prefix+"max_degrees"] = s.MaxDegrees
	}
	return params
}
