// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package h5

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DecodeInts converts raw native-endian values of an integer (or integral float) dtype to ints.
// Float values must hold whole numbers, as label and fold columns saved with pandas often do.
func DecodeInts(raw []byte, dtype dtypes.DType) ([]int, error) {
	if !dtype.IsInt() && !dtype.IsFloat() {
		return nil, errors.Errorf("cannot decode %s as integers", dtype)
	}
	values, err := DecodeFloat64s(raw, dtype)
	if err != nil {
		return nil, err
	}
	ints := make([]int, len(values))
	for i, v := range values {
		if v != math.Trunc(v) {
			return nil, errors.Errorf("value #%d (%g) is not a whole number", i, v)
		}
		ints[i] = int(v)
	}
	return ints, nil
}

// DecodeFloat64s converts raw native-endian values of any supported dtype to float64.
func DecodeFloat64s(raw []byte, dtype dtypes.DType) ([]float64, error) {
	size := int(dtype.Size())
	if size == 0 || len(raw)%size != 0 {
		return nil, errors.Errorf("raw data of %d bytes is not a multiple of %s size", len(raw), dtype)
	}
	n := len(raw) / size
	values := make([]float64, n)
	order := binary.NativeEndian
	for i := range n {
		b := raw[i*size : (i+1)*size]
		switch dtype {
		case dtypes.Uint8:
			values[i] = float64(b[0])
		case dtypes.Int8:
			values[i] = float64(int8(b[0]))
		case dtypes.Uint16:
			values[i] = float64(order.Uint16(b))
		case dtypes.Int16:
			values[i] = float64(int16(order.Uint16(b)))
		case dtypes.Int32:
			values[i] = float64(int32(order.Uint32(b)))
		case dtypes.Int64:
			values[i] = float64(int64(order.Uint64(b)))
		case dtypes.Float32:
			values[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtypes.Float64:
			values[i] = math.Float64frombits(order.Uint64(b))
		default:
			return nil, errors.Errorf("dtype %s not supported", dtype)
		}
	}
	return values, nil
}
