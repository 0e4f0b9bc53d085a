// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// OpName identifies an image operation used by RandAugment and AutoAugment.
type OpName string

const (
	OpIdentity     OpName = "identity"
	OpShearX       OpName = "shearX"
	OpShearY       OpName = "shearY"
	OpTranslateX   OpName = "translateX"
	OpTranslateY   OpName = "translateY"
	OpRotate       OpName = "rotate"
	OpBrightness   OpName = "brightness"
	OpColor        OpName = "color"
	OpContrast     OpName = "contrast"
	OpSharpness    OpName = "sharpness"
	OpPosterize    OpName = "posterize"
	OpSolarize     OpName = "solarize"
	OpAutoContrast OpName = "autocontrast"
	OpEqualize     OpName = "equalize"
	OpInvert       OpName = "invert"
)

// ApplyOp applies the operation with an already resolved (and signed) magnitude:
//
//   - shear: shear factor; translate: pixels; rotate: degrees counter-clockwise.
//   - brightness, color, contrast, sharpness: enhancement factor, 1.0 leaves the image unchanged.
//   - posterize: number of bits kept; solarize: threshold above which pixels are inverted.
//
// Pixels uncovered by geometric operations are set to fill.
func ApplyOp(img *image.NRGBA, op OpName, magnitude float64, fill color.NRGBA) *image.NRGBA {
	switch op {
	case OpIdentity:
		return img
	case OpShearX:
		return affine(img, f64.Aff3{1, -magnitude, 0, 0, 1, 0}, fill)
	case OpShearY:
		return affine(img, f64.Aff3{1, 0, 0, -magnitude, 1, 0}, fill)
	case OpTranslateX:
		return affine(img, f64.Aff3{1, 0, -magnitude, 0, 1, 0}, fill)
	case OpTranslateY:
		return affine(img, f64.Aff3{1, 0, 0, 0, 1, -magnitude}, fill)
	case OpRotate:
		bounds := img.Bounds()
		rotated := imaging.Rotate(img, magnitude, fill)
		return imaging.CropCenter(rotated, bounds.Dx(), bounds.Dy())
	case OpBrightness:
		return blend(image.NewNRGBA(img.Bounds()), img, magnitude)
	case OpColor:
		return blend(imaging.Grayscale(img), img, magnitude)
	case OpContrast:
		return blend(meanGray(img), img, magnitude)
	case OpSharpness:
		smooth := imaging.Convolve3x3(img, [9]float64{1, 1, 1, 1, 5, 1, 1, 1, 1}, &imaging.ConvolveOptions{Normalize: true})
		// Border pixels are kept from the original.
		bounds := smooth.Bounds()
		for y := range bounds.Dy() {
			for x := range bounds.Dx() {
				if x == 0 || y == 0 || x == bounds.Dx()-1 || y == bounds.Dy()-1 {
					smooth.SetNRGBA(x, y, img.NRGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y))
				}
			}
		}
		return blend(smooth, img, magnitude)
	case OpPosterize:
		bits := min(max(int(magnitude), 0), 8)
		mask := uint8(0xFF << (8 - bits))
		return applyLUT(img, func(v uint8) uint8 { return v & mask })
	case OpSolarize:
		return applyLUT(img, func(v uint8) uint8 {
			if float64(v) >= magnitude {
				return 255 - v
			}
			return v
		})
	case OpAutoContrast:
		return autoContrast(img)
	case OpEqualize:
		return equalize(img)
	case OpInvert:
		return imaging.Invert(img)
	}
	return img
}

// affine maps img with the source-to-destination matrix s2d, keeping the image size.
func affine(img *image.NRGBA, s2d f64.Aff3, fill color.NRGBA) *image.NRGBA {
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	draw.NearestNeighbor.Transform(dst, s2d, img, bounds, draw.Src, nil)
	return dst
}

// blend returns degenerate + factor*(img - degenerate), per channel, the way image enhancement is usually defined.
// Alpha is taken from img.
func blend(degenerate, img *image.NRGBA, factor float64) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := range bounds.Dy() {
		for x := range bounds.Dx() {
			src := img.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			deg := degenerate.NRGBAAt(degenerate.Rect.Min.X+x, degenerate.Rect.Min.Y+y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: clampUint8(float64(deg.R) + factor*(float64(src.R)-float64(deg.R))),
				G: clampUint8(float64(deg.G) + factor*(float64(src.G)-float64(deg.G))),
				B: clampUint8(float64(deg.B) + factor*(float64(src.B)-float64(deg.B))),
				A: src.A,
			})
		}
	}
	return out
}

// meanGray returns an image filled with the mean luminance of img.
func meanGray(img *image.NRGBA) *image.NRGBA {
	gray := imaging.Grayscale(img)
	var sum float64
	n := 0
	for i := 0; i < len(gray.Pix); i += 4 {
		sum += float64(gray.Pix[i])
		n++
	}
	mean := uint8(0)
	if n > 0 {
		mean = clampUint8(sum / float64(n))
	}
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: color.NRGBA{R: mean, G: mean, B: mean, A: 255}}, image.Point{}, draw.Src)
	return out
}

func applyLUT(img *image.NRGBA, fn func(v uint8) uint8) *image.NRGBA {
	var lut [256]uint8
	for i := range lut {
		lut[i] = fn(uint8(i))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[c.R], G: lut[c.G], B: lut[c.B], A: c.A}
	})
}

// channelLUTs applies one lookup table per RGB channel.
func channelLUTs(img *image.NRGBA, luts [3][256]uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: luts[0][c.R], G: luts[1][c.G], B: luts[2][c.B], A: c.A}
	})
}

func histograms(img *image.NRGBA) (hist [3][256]int) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			hist[0][c.R]++
			hist[1][c.G]++
			hist[2][c.B]++
		}
	}
	return
}

// autoContrast stretches each channel so its darkest value becomes 0 and its lightest 255.
func autoContrast(img *image.NRGBA) *image.NRGBA {
	hist := histograms(img)
	var luts [3][256]uint8
	for ch := range 3 {
		lo, hi := 0, 255
		for lo < 256 && hist[ch][lo] == 0 {
			lo++
		}
		for hi >= 0 && hist[ch][hi] == 0 {
			hi--
		}
		for i := range 256 {
			if hi <= lo {
				luts[ch][i] = uint8(i)
				continue
			}
			scale := 255.0 / float64(hi-lo)
			luts[ch][i] = clampUint8(float64(i-lo) * scale)
		}
	}
	return channelLUTs(img, luts)
}

// equalize equalizes the histogram of each channel.
func equalize(img *image.NRGBA) *image.NRGBA {
	hist := histograms(img)
	var luts [3][256]uint8
	for ch := range 3 {
		total, last := 0, 0
		for _, count := range hist[ch] {
			total += count
			if count > 0 {
				last = count
			}
		}
		step := (total - last) / 255
		if step == 0 {
			for i := range 256 {
				luts[ch][i] = uint8(i)
			}
			continue
		}
		n := step / 2
		for i := range 256 {
			luts[ch][i] = uint8(min(n/step, 255))
			n += hist[ch][i]
		}
	}
	return channelLUTs(img, luts)
}

func clampUint8(v float64) uint8 {
	return uint8(math.Round(min(max(v, 0), 255)))
}
