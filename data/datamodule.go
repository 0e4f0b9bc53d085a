// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package data implements the HDF5-backed data module of the experiments: a Source of labeled images split in
// folds, and the train/validation/test datasets built from fold selections.
package data

import (
	"github.com/coxaai/coxaai/augment"
	"github.com/coxaai/coxaai/config"
	"github.com/coxaai/coxaai/internal/workerspool"
	gomlxdata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config configures a DataModule.
type Config struct {
	BatchSize, EvalBatchSize        int
	TrainFolds, ValFolds, TestFolds []int

	TrainTransform, ValTransform, TestTransform augment.Transform

	// Channels of the images yielded: 1 or 3.
	Channels int

	// DType of the images yielded. Defaults to Float32.
	DType dtypes.DType

	Seed int64

	// Parallelism of the training dataset: number of goroutines preparing batches. 0 or 1 disables it.
	Parallelism int

	// TransformWorkers is the number of goroutines transforming the images of a batch, shared by all splits.
	// 0 or 1 transforms them sequentially.
	TransformWorkers int
}

// Transforms for each split, used by FromBaseConfig.
type Transforms struct {
	Train, Val, Test augment.Transform
}

// DataModule holds the three splits of a Source.
type DataModule struct {
	source           Source
	train, val, test *Dataset
	parallel         *gomlxdata.ParallelDataset
}

// NewDataModule selects the folds of each split and creates their datasets.
// Training reshuffles every epoch and drops the last partial batch; validation and test keep it.
func NewDataModule(source Source, cfg Config) (*DataModule, error) {
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	splits := []struct {
		name      string
		folds     []int
		transform augment.Transform
		batchSize int
		train     bool
	}{
		{"train", cfg.TrainFolds, cfg.TrainTransform, cfg.BatchSize, true},
		{"val", cfg.ValFolds, cfg.ValTransform, cfg.EvalBatchSize, false},
		{"test", cfg.TestFolds, cfg.TestTransform, cfg.EvalBatchSize, false},
	}
	dm := &DataModule{source: source}
	var workers *workerspool.Pool
	if cfg.TransformWorkers > 1 {
		workers = workerspool.NewWithParallelism(cfg.TransformWorkers)
	}
	for i, split := range splits {
		indices, err := SelectFolds(source, split.folds)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s split (folds %v)", split.name, split.folds)
		}
		ds, err := NewDataset(source, indices, DatasetConfig{
			Name:      split.name,
			BatchSize: split.batchSize,
			Shuffle:   split.train,
			DropLast:  split.train,
			Transform: split.transform,
			Channels:  cfg.Channels,
			DType:     cfg.DType,
			Seed:      cfg.Seed + int64(i),
			Workers:   workers,
		})
		if err != nil {
			return nil, err
		}
		switch split.name {
		case "train":
			dm.train = ds
		case "val":
			dm.val = ds
		default:
			dm.test = ds
		}
		klog.V(1).Infof("%s split: %d examples, %d batches of %d", split.name, ds.Len(), ds.NumBatches(), split.batchSize)
	}
	if cfg.Parallelism > 1 {
		dm.parallel = gomlxdata.CustomParallel(dm.train).Parallelism(cfg.Parallelism).Buffer(cfg.Parallelism).Start()
	}
	return dm, nil
}

// FromBaseConfig opens the DATA_FILE of cfg and builds the splits from its training parameters record,
// with the given transforms.
func FromBaseConfig(cfg *config.Config, transforms Transforms) (*DataModule, error) {
	opts := DefaultH5Options()
	opts.TargetVar = cfg.Training.TargetVar
	source, err := OpenH5Source(cfg.DataFile, opts)
	if err != nil {
		return nil, err
	}
	return NewDataModule(source, ConfigFromParams(cfg.Training, transforms))
}

// ConfigFromParams creates the DataModule configuration for a training parameters record.
func ConfigFromParams(params config.TrainingParams, transforms Transforms) Config {
	dtype := dtypes.Float32
	switch params.Precision {
	case config.Precision64:
		dtype = dtypes.Float64
	case config.Precision16Mixed:
		dtype = dtypes.Float16
	}
	return Config{
		BatchSize:      params.BatchSize,
		EvalBatchSize:  params.EvalBatchSize,
		TrainFolds:     params.TrainFolds,
		ValFolds:       params.ValFolds,
		TestFolds:      params.TestFolds,
		TrainTransform: transforms.Train,
		ValTransform:   transforms.Val,
		TestTransform:  transforms.Test,
		Channels:       params.Channels,
		DType:          dtype,
		Seed:           params.Seed,
	}
}

// Train returns the training dataset, parallelized if configured.
func (dm *DataModule) Train() train.Dataset {
	if dm.parallel != nil {
		return dm.parallel
	}
	return dm.train
}

// TrainSplit returns the underlying (non-parallel) training dataset.
func (dm *DataModule) TrainSplit() *Dataset { return dm.train }

func (dm *DataModule) Val() train.Dataset { return dm.val }

func (dm *DataModule) Test() train.Dataset { return dm.test }

// Source returns the data source shared by the splits.
func (dm *DataModule) Source() Source { return dm.source }
