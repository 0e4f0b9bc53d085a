// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"image/color"

	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ImagesToTensor converts same-sized images to a tensor shaped [batch, height, width, channels], with values
// scaled to [0, 1]. Supported dtypes are Float16, Float32 and Float64.
func ImagesToTensor(images []image.Image, channels int, dtype dtypes.DType) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to convert")
	}
	size := images[0].Bounds().Size()
	for i, img := range images {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("image #%d is %v, expected %v: transforms must resize all images to the same size",
				i, img.Bounds().Size(), size)
		}
	}
	if channels == 3 && (dtype == dtypes.Float32 || dtype == dtypes.Float64) {
		return timage.ToTensor(dtype).Batch(images), nil
	}
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("channels must be 1 or 3, got %d", channels)
	}

	values := make([]float32, 0, len(images)*size.X*size.Y*channels)
	for _, img := range images {
		values = appendPixels(values, img, channels)
	}
	dims := []int{len(images), size.Y, size.X, channels}
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Float64:
		flat := make([]float64, len(values))
		for i, v := range values {
			flat[i] = float64(v)
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Float16:
		flat := make([]float16.Float16, len(values))
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	}
	return nil, errors.Errorf("images can't be converted to %s", dtype)
}

func appendPixels(values []float32, img image.Image, channels int) []float32 {
	bounds := img.Bounds()
	if gray, ok := img.(*image.Gray); ok && channels == 1 {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := gray.Pix[(y-bounds.Min.Y)*gray.Stride : (y-bounds.Min.Y)*gray.Stride+bounds.Dx()]
			for _, v := range row {
				values = append(values, float32(v)/255)
			}
		}
		return values
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if channels == 1 {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				values = append(values, float32(g.Y)/255)
				continue
			}
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			values = append(values, float32(c.R)/255, float32(c.G)/255, float32(c.B)/255)
		}
	}
	return values
}

// LabelsToTensor converts labels to an int32 tensor shaped [batch, 1], as sparse categorical losses expect.
func LabelsToTensor(labels []int) *tensors.Tensor {
	flat := make([]int32, len(labels))
	for i, l := range labels {
		flat[i] = int32(l)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), 1)
}
