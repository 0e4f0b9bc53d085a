// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"image/color"
	"io"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/data/h5"
	"github.com/coxaai/coxaai/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSource creates n gray images whose pixel value is the example index, with label i%2 and fold i%5.
func newTestSource(t *testing.T, n int) *MemorySource {
	images := make([]image.Image, n)
	labels := make([]int, n)
	folds := make([]int, n)
	for i := range n {
		img := image.NewGray(image.Rect(0, 0, 6, 4))
		for p := range img.Pix {
			img.Pix[p] = uint8(i)
		}
		images[i] = img
		labels[i] = i % 2
		folds[i] = i % 5
	}
	source, err := NewMemorySource(images, labels, folds)
	require.NoError(t, err)
	return source
}

func TestSelectFolds(t *testing.T) {
	source := newTestSource(t, 20)
	indices, err := SelectFolds(source, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6, 8, 11, 13, 16, 18}, indices)

	_, err = SelectFolds(source, []int{7})
	assert.ErrorContains(t, err, "fold 7")
	_, err = SelectFolds(source, nil)
	assert.Error(t, err)

	_, err = NewMemorySource([]image.Image{nil}, nil, nil)
	assert.Error(t, err)
}

func TestDatasetYield(t *testing.T) {
	source := newTestSource(t, 25)
	indices, err := SelectFolds(source, []int{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, indices, 15)

	ds, err := NewDataset(source, indices, DatasetConfig{
		Name: "val", BatchSize: 4, Transform: augment.NoAugmentation(4, 1), Channels: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, ds.NumBatches())

	var sizes []int
	var seen []float32
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		imgShape := inputs[0].Shape()
		assert.Equal(t, dtypes.Float32, imgShape.DType)
		assert.Equal(t, []int{imgShape.Dimensions[0], 4, 4, 1}, imgShape.Dimensions)
		assert.Equal(t, dtypes.Int32, labels[0].Shape().DType)
		assert.Equal(t, []int{imgShape.Dimensions[0], 1}, labels[0].Shape().Dimensions)
		sizes = append(sizes, imgShape.Dimensions[0])
		flat := inputs[0].Value().([][][][]float32)
		for _, img := range flat {
			seen = append(seen, img[0][0][0])
		}
	}
	assert.Equal(t, []int{4, 4, 4, 3}, sizes, "evaluation keeps the last partial batch")
	require.Len(t, seen, 15)
	assert.InDelta(t, 1.0/255, seen[1], 1e-6, "unshuffled datasets keep source order")

	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err, "EOF until Reset")
	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}

func TestTrainSplitDropsLastAndShuffles(t *testing.T) {
	source := newTestSource(t, 50)
	transforms := Transforms{
		Train: augment.LightAugmentation(4, 3, 10),
		Val:   augment.NoAugmentation(4, 3),
		Test:  augment.NoAugmentation(4, 3),
	}
	params := config.DefaultTrainingParams()
	params.BatchSize = 8
	params.EvalBatchSize = 16
	params.Precision = config.Precision16Mixed
	dm, err := NewDataModule(source, ConfigFromParams(params, transforms))
	require.NoError(t, err)

	train := dm.TrainSplit()
	assert.Equal(t, 30, train.Len())
	assert.Equal(t, 3, train.NumBatches())
	count := 0
	for {
		_, inputs, _, err := dm.Train().Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float16, inputs[0].Shape().DType)
		assert.Equal(t, []int{8, 4, 4, 3}, inputs[0].Shape().Dimensions)
		count++
	}
	assert.Equal(t, 3, count, "training drops the last partial batch")

	first := append([]int(nil), train.order...)
	train.Reset()
	assert.ElementsMatch(t, first, train.order)
	assert.NotEqual(t, first, train.order, "training reshuffles on Reset")

	assert.Equal(t, "val", dm.Val().Name())
	assert.Equal(t, "test", dm.Test().Name())
}

func TestBatchesSurviveReset(t *testing.T) {
	source := newTestSource(t, 64)
	indices := make([]int, source.Len())
	for i := range indices {
		indices[i] = i
	}
	ds, err := NewDataset(source, indices, DatasetConfig{
		Name: "train", BatchSize: 8, Shuffle: true, DropLast: true, Transform: augment.NoAugmentation(4, 1),
		Channels: 1, Seed: 3,
	})
	require.NoError(t, err)
	batch, _, err := ds.next()
	require.NoError(t, err)
	want := slices.Clone(batch)
	for range 3 {
		ds.Reset()
	}
	assert.Equal(t, want, batch, "a reserved batch must not change when the dataset is reset")

	// Concurrent readers of an epoch and a Reset of the next one.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, _, labels, err := ds.Yield()
				if err != nil {
					return
				}
				assert.Equal(t, []int{8, 1}, labels[0].Shape().Dimensions)
			}
		}()
	}
	ds.Reset()
	wg.Wait()
}

func TestParallelTransformsAreDeterministic(t *testing.T) {
	source := newTestSource(t, 40)
	indices, err := SelectFolds(source, []int{0, 1, 2, 3})
	require.NoError(t, err)
	transform, err := augment.RandomAugmentation(4, 1, 2, 9)
	require.NoError(t, err)
	yieldAll := func(workers *workerspool.Pool) [][][][][]float32 {
		ds, err := NewDataset(source, indices, DatasetConfig{
			Name: "train", BatchSize: 8, Shuffle: true, DropLast: true, Transform: transform,
			Channels: 1, Seed: 7, Workers: workers,
		})
		require.NoError(t, err)
		var batches [][][][][]float32
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				return batches
			}
			require.NoError(t, err)
			batches = append(batches, inputs[0].Value().([][][][]float32))
		}
	}
	sequential := yieldAll(nil)
	require.Len(t, sequential, 4)
	assert.Equal(t, sequential, yieldAll(workerspool.NewWithParallelism(4)))
}

func TestImagesToTensor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})

	tensor, err := ImagesToTensor([]image.Image{img}, 3, dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, tensor.Shape().Dimensions)

	gray, err := ImagesToTensor([]image.Image{img}, 1, dtypes.Float32)
	require.NoError(t, err)
	values := gray.Value().([][][][]float32)
	assert.InDelta(t, 0.299, values[0][0][0][0], 0.01)
	assert.InDelta(t, 0.587, values[0][0][1][0], 0.01)

	other := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	_, err = ImagesToTensor([]image.Image{img, other}, 3, dtypes.Float32)
	assert.ErrorContains(t, err, "same size")
	_, err = ImagesToTensor([]image.Image{img}, 3, dtypes.Int8)
	assert.Error(t, err)

	labels := LabelsToTensor([]int{0, 1, 1})
	assert.Equal(t, [][]int32{{0}, {1}, {1}}, labels.Value())
}

func TestOpenH5Source(t *testing.T) {
	path := os.Getenv("COXAAI_TEST_H5")
	if path == "" || !h5.Available() {
		t.Skip("set COXAAI_TEST_H5 to an HDF5 file with images, target and fold datasets, and install hdf5-tools")
	}
	opts := DefaultH5Options()
	opts.ProgressBar = false
	source, err := OpenH5Source(path, opts)
	require.NoError(t, err)
	require.Positive(t, source.Len())
	img, err := source.Image(0)
	require.NoError(t, err)
	h, w, _ := source.Bounds()
	assert.Equal(t, image.Rect(0, 0, w, h), img.Bounds())
}
