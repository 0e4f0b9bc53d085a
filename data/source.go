// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"slices"

	"github.com/pkg/errors"
)

// Source is a random-access collection of labeled images, each assigned to a fold.
// Implementations must be safe for concurrent reads.
type Source interface {
	Len() int
	Image(i int) (image.Image, error)
	Label(i int) int
	Fold(i int) int
}

// SelectFolds returns the indices of the examples of source whose fold is in folds, in source order.
// It fails if any requested fold has no examples.
func SelectFolds(source Source, folds []int) ([]int, error) {
	if len(folds) == 0 {
		return nil, errors.New("no folds selected")
	}
	counts := make(map[int]int, len(folds))
	var indices []int
	for i := range source.Len() {
		fold := source.Fold(i)
		if slices.Contains(folds, fold) {
			indices = append(indices, i)
			counts[fold]++
		}
	}
	for _, fold := range folds {
		if counts[fold] == 0 {
			return nil, errors.Errorf("fold %d has no examples", fold)
		}
	}
	return indices, nil
}

// MemorySource is a Source backed by in-memory slices.
type MemorySource struct {
	Images []image.Image
	Labels []int
	Folds  []int
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource validates the slices have matching lengths.
func NewMemorySource(images []image.Image, labels, folds []int) (*MemorySource, error) {
	if len(images) != len(labels) || len(images) != len(folds) {
		return nil, errors.Errorf("mismatched lengths: %d images, %d labels, %d folds", len(images), len(labels), len(folds))
	}
	return &MemorySource{Images: images, Labels: labels, Folds: folds}, nil
}

func (s *MemorySource) Len() int { return len(s.Images) }

func (s *MemorySource) Image(i int) (image.Image, error) {
	if i < 0 || i >= len(s.Images) {
		return nil, errors.Errorf("image index %d out of range [0, %d)", i, len(s.Images))
	}
	return s.Images[i], nil
}

func (s *MemorySource) Label(i int) int { return s.Labels[i] }

func (s *MemorySource) Fold(i int) int { return s.Folds[i] }
