// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridCombinations(t *testing.T) {
	grid := Grid{IntRange("num_ops", 1, 4), IntRange("magnitude", 1, 8)}
	assert.Equal(t, 21, grid.Size())
	combos, err := grid.Combinations()
	require.NoError(t, err)
	require.Len(t, combos, 21)

	// First axis is the outermost loop.
	var got [][2]int
	for i, combo := range combos {
		assert.Equal(t, i, combo.Index())
		got = append(got, [2]int{GetOr(combo, "num_ops", -1), GetOr(combo, "magnitude", -1)})
	}
	assert.Equal(t, [2]int{1, 1}, got[0])
	assert.Equal(t, [2]int{1, 7}, got[6])
	assert.Equal(t, [2]int{2, 1}, got[7])
	assert.Equal(t, [2]int{3, 7}, got[20])
}

func TestGridEdgeCases(t *testing.T) {
	combos, err := Grid{}.Combinations()
	require.NoError(t, err)
	assert.Empty(t, combos)

	combos, err = Grid{NewAxis[string]("model"), IntRange("n", 0, 3)}.Combinations()
	require.NoError(t, err)
	assert.Empty(t, combos, "an empty axis yields no combinations")

	_, err = Grid{IntRange("n", 0, 2), IntRange("n", 0, 2)}.Combinations()
	assert.ErrorContains(t, err, "more than once")

	_, err = Grid{IntRange("", 0, 2)}.Combinations()
	assert.Error(t, err)
}

func TestCombinationAccessors(t *testing.T) {
	grid := Grid{NewAxis("model", "efficientnet-b0", "efficientnet-b1"), NewAxis("lr", 3e-4)}
	combos, err := grid.Combinations()
	require.NoError(t, err)
	require.Len(t, combos, 2)
	c := combos[1]

	model, err := Get[string](c, "model")
	require.NoError(t, err)
	assert.Equal(t, "efficientnet-b1", model)
	assert.Equal(t, 3e-4, GetOr(c, "lr", 0.0))
	assert.Equal(t, 7, GetOr(c, "missing", 7))
	_, err = Get[int](c, "model")
	assert.Error(t, err)

	assert.Equal(t, "model=efficientnet-b1,lr=0.0003", c.String())
	assert.Equal(t, map[string]any{"model": "efficientnet-b1", "lr": 3e-4}, c.Map())
	assert.Equal(t, []string{"model", "lr"}, c.Names())
}
