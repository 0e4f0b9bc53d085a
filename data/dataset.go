// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/internal/workerspool"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Dataset yields batches of (transformed) images and labels from a selection of a Source.
//
// It implements train.Dataset: Yield returns inputs [images [B, H, W, C]] and labels [int32 [B, 1]], and io.EOF
// at the end of an epoch. Yield is safe for concurrent use, so the dataset can be parallelized.
type Dataset struct {
	name      string
	source    Source
	indices   []int
	batchSize int
	shuffle   bool
	dropLast  bool
	transform augment.Transform
	channels  int
	dtype     dtypes.DType
	workers   *workerspool.Pool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
}

var _ train.Dataset = (*Dataset)(nil)

// DatasetConfig configures NewDataset.
type DatasetConfig struct {
	Name      string
	BatchSize int

	// Shuffle reshuffles the examples at every Reset.
	Shuffle bool

	// DropLast drops the last partial batch, to keep shapes static during training.
	DropLast bool

	Transform augment.Transform
	Channels  int
	DType     dtypes.DType
	Seed      int64

	// Workers transform the images of a batch in parallel. If nil they are transformed sequentially.
	Workers *workerspool.Pool
}

// NewDataset creates a Dataset over the given source indices.
func NewDataset(source Source, indices []int, cfg DatasetConfig) (*Dataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", cfg.Name, cfg.BatchSize)
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", cfg.Name)
	}
	if cfg.DropLast && len(indices) < cfg.BatchSize {
		return nil, errors.Errorf("dataset %q has %d examples, less than one batch of %d", cfg.Name, len(indices), cfg.BatchSize)
	}
	if cfg.Transform == nil {
		return nil, errors.Errorf("dataset %q has no transform: images must be resized to a common size", cfg.Name)
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	ds := &Dataset{
		name:      cfg.Name,
		source:    source,
		indices:   append([]int(nil), indices...),
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		dropLast:  cfg.DropLast,
		transform: cfg.Transform,
		channels:  cfg.Channels,
		dtype:     cfg.DType,
		workers:   cfg.Workers,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len is the number of examples in the dataset.
func (ds *Dataset) Len() int { return len(ds.indices) }

// NumBatches per epoch.
func (ds *Dataset) NumBatches() int {
	if ds.dropLast {
		return len(ds.indices) / ds.batchSize
	}
	return (len(ds.indices) + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset. It restarts the epoch, reshuffling if configured to.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	ds.order = append(ds.order[:0], ds.indices...)
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// next reserves the source indices of the next batch, and a seed for its transforms.
func (ds *Dataset) next() (batch []int, seed int64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.pos
	if remaining <= 0 || (ds.dropLast && remaining < ds.batchSize) {
		return nil, 0, io.EOF
	}
	n := min(ds.batchSize, remaining)
	// Copied: Reset reshuffles ds.order while other goroutines may still be transforming this batch.
	batch = slices.Clone(ds.order[ds.pos : ds.pos+n])
	ds.pos += n
	return batch, ds.rng.Int63(), nil
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, seed, err := ds.next()
	if err != nil {
		return nil, nil, nil, err
	}
	images := make([]image.Image, len(batch))
	batchLabels := make([]int, len(batch))
	transformExample := func(i int) error {
		idx := batch[i]
		img, err := ds.source.Image(idx)
		if err != nil {
			return errors.WithMessagef(err, "dataset %q", ds.name)
		}
		// Seeded per example, so the result doesn't depend on which worker transforms it.
		rng := rand.New(rand.NewSource(seed + int64(i)))
		images[i] = ds.transform(img, rng)
		batchLabels[i] = ds.source.Label(idx)
		return nil
	}
	if ds.workers != nil {
		err = ds.workers.ForEach(len(batch), transformExample)
	} else {
		for i := range batch {
			if err = transformExample(i); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, nil, nil, err
	}
	imagesTensor, err := ImagesToTensor(images, ds.channels, ds.dtype)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return ds, []*tensors.Tensor{imagesTensor}, []*tensors.Tensor{LabelsToTensor(batchLabels)}, nil
}
