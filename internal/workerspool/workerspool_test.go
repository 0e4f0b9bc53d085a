// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		results := make([]int, 20)
		require.NoError(t, pool.ForEach(len(results), func(i int) error {
			results[i] = i * i
			return nil
		}))
		for i, r := range results {
			assert.Equal(t, i*i, r, "parallelism=%d", parallelism)
		}
	}

	// The error of the lowest index is returned.
	pool := New()
	err := pool.ForEach(10, func(i int) error {
		if i == 3 || i == 7 {
			return errors.Errorf("task %d", i)
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, "task 3", err.Error())
}

func TestMaxParallelism(t *testing.T) {
	const limit = 2
	pool := NewWithParallelism(limit)
	assert.True(t, pool.IsEnabled())
	assert.False(t, NewWithParallelism(1).IsEnabled())
	assert.True(t, NewWithParallelism(-1).IsEnabled())

	var running, maxRunning atomic.Int32
	require.NoError(t, pool.ForEach(10, func(int) error {
		current := running.Add(1)
		for {
			seen := maxRunning.Load()
			if current <= seen || maxRunning.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}))
	assert.LessOrEqual(t, int(maxRunning.Load()), limit)
	assert.Equal(t, int32(0), running.Load())
}
