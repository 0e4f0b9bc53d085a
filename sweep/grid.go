// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Axis is one hyperparameter and the values it sweeps over, in order.
type Axis struct {
	Name   string
	Values []any
}

// NewAxis creates an Axis from a typed list of values.
func NewAxis[T any](name string, values ...T) Axis {
	axis := Axis{Name: name, Values: make([]any, len(values))}
	for i, v := range values {
		axis.Values[i] = v
	}
	return axis
}

// IntRange creates an Axis with the integers in [from, to), like Python's range(from, to).
func IntRange(name string, from, to int) Axis {
	axis := Axis{Name: name}
	for v := from; v < to; v++ {
		axis.Values = append(axis.Values, v)
	}
	return axis
}

// Grid is the Cartesian product of its axes. The first axis is the outermost loop.
type Grid []Axis

// Size returns the number of combinations in the grid: the product of the axes lengths.
// A grid without axes has size 0.
func (g Grid) Size() int {
	if len(g) == 0 {
		return 0
	}
	size := 1
	for _, axis := range g {
		size *= len(axis.Values)
	}
	return size
}

// Validate checks that axes names are unique and non-empty.
func (g Grid) Validate() error {
	seen := make(map[string]bool, len(g))
	for i, axis := range g {
		if axis.Name == "" {
			return errors.Errorf("grid axis #%d has no name", i)
		}
		if seen[axis.Name] {
			return errors.Errorf("grid axis %q defined more than once", axis.Name)
		}
		seen[axis.Name] = true
	}
	return nil
}

// Combinations enumerates the grid in order: the last axis varies fastest, so for the axes
// ("num_ops", 1..3) and ("magnitude", 1..7) the order is (1,1), (1,2), ..., (1,7), (2,1), ...
func (g Grid) Combinations() ([]Combination, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	size := g.Size()
	names := make([]string, len(g))
	for i, axis := range g {
		names[i] = axis.Name
	}
	combos := make([]Combination, 0, size)
	indices := make([]int, len(g))
	for idx := range size {
		values := make([]any, len(g))
		for axisIdx, valueIdx := range indices {
			values[axisIdx] = g[axisIdx].Values[valueIdx]
		}
		combos = append(combos, Combination{index: idx, names: names, values: values})

		// Increment indices like an odometer, last axis first.
		for axisIdx := len(g) - 1; axisIdx >= 0; axisIdx-- {
			indices[axisIdx]++
			if indices[axisIdx] < len(g[axisIdx].Values) {
				break
			}
			indices[axisIdx] = 0
		}
	}
	return combos, nil
}

// Combination is one point of the Grid. It is immutable.
type Combination struct {
	index  int
	names  []string
	values []any
}

// NewCombination creates a stand-alone combination, mostly for tests and single runs.
func NewCombination(index int, names []string, values []any) Combination {
	return Combination{index: index, names: append([]string(nil), names...), values: append([]any(nil), values...)}
}

// Index of the combination in the grid enumeration order.
func (c Combination) Index() int { return c.index }

// Names of the axes, in grid order.
func (c Combination) Names() []string { return append([]string(nil), c.names...) }

// Value returns the value of the named axis.
func (c Combination) Value(name string) (any, bool) {
	for i, n := range c.names {
		if n == name {
			return c.values[i], true
		}
	}
	return nil, false
}

// Map returns a copy of the combination as a map, e.g. for logging it as hyperparameters.
func (c Combination) Map() map[string]any {
	m := make(map[string]any, len(c.names))
	for i, name := range c.names {
		m[name] = c.values[i]
	}
	return m
}

// String returns "name1=value1,name2=value2" in grid order.
func (c Combination) String() string {
	parts := make([]string, len(c.names))
	for i, name := range c.names {
		parts[i] = fmt.Sprintf("%s=%v", name, c.values[i])
	}
	return strings.Join(parts, ",")
}

// Get returns the value of the named axis converted to T, or an error if it is missing or of a different type.
func Get[T any](c Combination, name string) (T, error) {
	var zero T
	v, found := c.Value(name)
	if !found {
		return zero, errors.Errorf("combination %s has no axis %q", c, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("combination axis %q is a %T, not a %T", name, v, zero)
	}
	return t, nil
}

// GetOr returns the value of the named axis converted to T, or defaultValue if it is missing or of a different type.
func GetOr[T any](c Combination, name string, defaultValue T) T {
	t, err := Get[T](c, name)
	if err != nil {
		return defaultValue
	}
	return t
}
