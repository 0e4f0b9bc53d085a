// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

package h5

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testListing = `HDF5 "hips.h5" {
FILE_CONTENTS {
 group      /
 dataset    /fold
 dataset    /images
 dataset    /target
 }
}
`

const testHeader = `HDF5 "hips.h5" {
DATASET "/fold" {
   DATATYPE  H5T_STD_I64LE
   DATASPACE  SIMPLE { ( 10 ) / ( 10 ) }
}
DATASET "/images" {
   DATATYPE  H5T_STD_U8LE
   DATASPACE  SIMPLE { ( 10, 64, 48 ) / ( 10, 64, 48 ) }
}
DATASET "/target" {
   DATATYPE  H5T_STRING {
      STRSIZE H5T_VARIABLE;
   }
   DATASPACE  SIMPLE { ( 10 ) / ( 10 ) }
}
}
`

func TestParseHeaders(t *testing.T) {
	paths := parseDatasetPaths(testListing)
	require.Equal(t, []string{"/fold", "/images", "/target"}, paths)

	contents, err := parseHeaders("hips.h5", paths, testHeader)
	require.NoError(t, err)
	require.Len(t, contents, 3)

	images := contents["/images"]
	assert.Equal(t, dtypes.Uint8, images.DType)
	assert.Equal(t, []int{10, 64, 48}, images.Shape.Dimensions)
	assert.Equal(t, 64*48, images.RowSize())

	fold := contents["/fold"]
	assert.Equal(t, dtypes.Int64, fold.DType)
	assert.Equal(t, []int{10}, fold.Shape.Dimensions)

	// Strings are not supported.
	assert.Equal(t, dtypes.InvalidDType, contents["/target"].DType)

	_, err = parseHeaders("hips.h5", []string{"/fold"}, testHeader)
	assert.Error(t, err, "header count mismatch must fail")
}

func TestDecode(t *testing.T) {
	raw := make([]byte, 3*8)
	for i, v := range []int64{0, 4, -1} {
		binary.NativeEndian.PutUint64(raw[i*8:], uint64(v))
	}
	ints, err := DecodeInts(raw, dtypes.Int64)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, -1}, ints)

	raw = make([]byte, 2*8)
	binary.NativeEndian.PutUint64(raw, math.Float64bits(1))
	binary.NativeEndian.PutUint64(raw[8:], math.Float64bits(0.5))
	_, err = DecodeInts(raw, dtypes.Float64)
	assert.ErrorContains(t, err, "whole number")

	floats, err := DecodeFloat64s([]byte{0, 255}, dtypes.Uint8)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 255}, floats)

	_, err = DecodeFloat64s([]byte{1, 2, 3}, dtypes.Int32)
	assert.Error(t, err)
}

func TestDTypeForH5T(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DTypeForH5T("H5T_IEEE_F32LE"))
	assert.Equal(t, dtypes.Uint8, DTypeForH5T("H5T_STD_U8BE"))
	assert.Equal(t, dtypes.InvalidDType, DTypeForH5T("H5T_COMPOUND"))
}

func TestParseFileRequiresH5Dump(t *testing.T) {
	if Available() {
		t.Skip("h5dump is installed")
	}
	_, err := execH5Dump("--version")
	assert.ErrorContains(t, err, "hdf5-tools")
}
