// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"math"
	"strings"

	"github.com/coxaai/coxaai/data/h5"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// H5Options configures the datasets read by OpenH5Source.
type H5Options struct {
	// ImagesKey is the dataset with the images, shaped [N, H, W] or [N, H, W, C] with C = 1 or 3.
	ImagesKey string

	// TargetVar is the dataset with the integer labels, shaped [N].
	TargetVar string

	// FoldKey is the dataset with the fold of each example, shaped [N].
	FoldKey string

	// ChunkSize is the number of images extracted per h5dump call.
	ChunkSize int

	ProgressBar bool
}

// DefaultH5Options reads the datasets "images", "target" and "fold".
func DefaultH5Options() H5Options {
	return H5Options{ImagesKey: "images", TargetVar: "target", FoldKey: "fold", ChunkSize: 512, ProgressBar: true}
}

// H5Source is a Source loaded in memory from an HDF5 file.
// Images are kept as 8-bit pixels and wrapped as image.Gray or image.NRGBA on access.
type H5Source struct {
	path                    string
	height, width, channels int
	pixels                  []uint8
	labels, folds           []int
}

var _ Source = (*H5Source)(nil)

// OpenH5Source reads the images, targets and folds of the HDF5 file at path.
func OpenH5Source(path string, opts H5Options) (*H5Source, error) {
	contents, err := h5.ParseFile(path)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (*h5.Dataset, error) {
		if !strings.HasPrefix(key, "/") {
			key = "/" + key
		}
		ds, found := contents[key]
		if !found {
			return nil, errors.Errorf("HDF5 file %q has no dataset %q", path, key)
		}
		if ds.DType == dtypes.InvalidDType {
			return nil, errors.Errorf("dataset %q in %q has an unsupported type:\n%s", key, path, ds.RawHeader)
		}
		return ds, nil
	}
	imagesDS, err := lookup(opts.ImagesKey)
	if err != nil {
		return nil, err
	}
	targetDS, err := lookup(opts.TargetVar)
	if err != nil {
		return nil, err
	}
	foldDS, err := lookup(opts.FoldKey)
	if err != nil {
		return nil, err
	}

	src := &H5Source{path: path}
	dims := imagesDS.Shape.Dimensions
	switch {
	case len(dims) == 3:
		src.height, src.width, src.channels = dims[1], dims[2], 1
	case len(dims) == 4 && (dims[3] == 1 || dims[3] == 3):
		src.height, src.width, src.channels = dims[1], dims[2], dims[3]
	default:
		return nil, errors.Errorf("images dataset %q must be shaped [N, H, W] or [N, H, W, C] with C=1 or 3, got %s",
			opts.ImagesKey, imagesDS.Shape)
	}
	numExamples := dims[0]

	if src.labels, err = loadInts(targetDS, numExamples); err != nil {
		return nil, err
	}
	if src.folds, err = loadInts(foldDS, numExamples); err != nil {
		return nil, err
	}
	if src.pixels, err = loadPixels(imagesDS, opts); err != nil {
		return nil, err
	}
	klog.Infof("Loaded %s images (%dx%dx%d, %s) from %q", humanize.Comma(int64(numExamples)),
		src.height, src.width, src.channels, humanize.Bytes(uint64(len(src.pixels))), path)
	return src, nil
}

func loadInts(ds *h5.Dataset, numExamples int) ([]int, error) {
	if ds.Shape.Size() != numExamples {
		return nil, errors.Errorf("dataset %q has %d values, expected %d", ds.Path, ds.Shape.Size(), numExamples)
	}
	raw, err := ds.Load()
	if err != nil {
		return nil, err
	}
	values, err := h5.DecodeInts(raw, ds.DType)
	return values, errors.WithMessagef(err, "dataset %q", ds.Path)
}

// loadPixels extracts the images in chunks, converting them to 8 bits.
// Float images with values in [0, 1] are scaled by 255, other float images are clamped to [0, 255].
func loadPixels(ds *h5.Dataset, opts H5Options) ([]uint8, error) {
	numExamples := ds.Shape.Dimensions[0]
	pixelsPerImage := ds.Shape.Size() / max(numExamples, 1)
	chunkSize := max(opts.ChunkSize, 1)
	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.Default(int64(numExamples), "loading images")
		defer func() { _ = bar.Finish() }()
	}

	pixels := make([]uint8, 0, ds.Shape.Size())
	var floats []float64
	for start := 0; start < numExamples; start += chunkSize {
		count := min(chunkSize, numExamples-start)
		raw, err := ds.LoadRange(start, count)
		if err != nil {
			return nil, err
		}
		if ds.DType == dtypes.Uint8 {
			if len(raw) != count*pixelsPerImage {
				return nil, errors.Errorf("dataset %q: extracted %d bytes, expected %d", ds.Path, len(raw), count*pixelsPerImage)
			}
			pixels = append(pixels, raw...)
		} else {
			values, err := h5.DecodeFloat64s(raw, ds.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "dataset %q", ds.Path)
			}
			floats = append(floats, values...)
		}
		if bar != nil {
			_ = bar.Add(count)
		}
	}
	if ds.DType == dtypes.Uint8 {
		return pixels, nil
	}

	scale := 1.0
	maxValue := 0.0
	for _, v := range floats {
		maxValue = max(maxValue, v)
	}
	if maxValue <= 1.0 {
		scale = 255
	}
	for _, v := range floats {
		pixels = append(pixels, uint8(math.Round(min(max(v*scale, 0), 255))))
	}
	return pixels, nil
}

func (s *H5Source) Len() int { return len(s.labels) }

func (s *H5Source) Label(i int) int { return s.labels[i] }

func (s *H5Source) Fold(i int) int { return s.folds[i] }

// Image returns image i. The returned image shares memory with the source and must not be modified.
func (s *H5Source) Image(i int) (image.Image, error) {
	if i < 0 || i >= s.Len() {
		return nil, errors.Errorf("image index %d out of range [0, %d) in %q", i, s.Len(), s.path)
	}
	size := s.height * s.width * s.channels
	pix := s.pixels[i*size : (i+1)*size : (i+1)*size]
	rect := image.Rect(0, 0, s.width, s.height)
	if s.channels == 1 {
		return &image.Gray{Pix: pix, Stride: s.width, Rect: rect}, nil
	}
	img := image.NewNRGBA(rect)
	for p := range s.height * s.width {
		img.Pix[4*p] = pix[3*p]
		img.Pix[4*p+1] = pix[3*p+1]
		img.Pix[4*p+2] = pix[3*p+2]
		img.Pix[4*p+3] = math.MaxUint8
	}
	return img, nil
}

// Bounds returns the height, width and channels of the stored images.
func (s *H5Source) Bounds() (height, width, channels int) {
	return s.height, s.width, s.channels
}
