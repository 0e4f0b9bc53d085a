// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package h5 provides a small API to list and extract the datasets of an HDF5 file.
//
// It requires the `hdf5-tools` package installed in the system, more specifically the `h5dump` binary:
// datasets are listed with `h5dump --contents`, described with `h5dump --header` and extracted in the
// machine's native binary format with `h5dump --binary=NATIVE`.
package h5

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the name of the binary used to access HDF5 files.
const H5DumpBinary = "h5dump"

// Contents maps the path of each dataset (group path and dataset name joined by "/") to its description.
type Contents map[string]*Dataset

// Dataset describes one HDF5 dataset, without its data.
// DATATYPE and DATASPACE are converted to a dtypes.DType and a shapes.Shape.
// Datasets whose type or space is not supported have an invalid DType.
type Dataset struct {
	FilePath, Path, RawHeader string
	DType                     dtypes.DType
	Shape                     shapes.Shape
}

// Available reports whether h5dump can be found in the PATH.
func Available() bool {
	_, err := exec.LookPath(H5DumpBinary)
	return err == nil
}

// ParseFile lists the datasets in filePath and parses their headers.
func ParseFile(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	paths := parseDatasetPaths(string(listing))
	if len(paths) == 0 {
		return Contents{}, nil
	}
	headerArgs := make([]string, 0, len(paths)+2)
	headerArgs = append(headerArgs, "--header")
	for _, p := range paths {
		headerArgs = append(headerArgs, "--dataset="+p)
	}
	headerArgs = append(headerArgs, filePath)
	header, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	return parseHeaders(filePath, paths, string(header))
}

var (
	regexpDatasets        = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseDatasetPaths extracts the dataset paths from the output of `h5dump --contents`.
func parseDatasetPaths(listing string) []string {
	matches := regexpDatasets.FindAllStringSubmatch(listing, -1)
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, strings.TrimSpace(match[1]))
	}
	return paths
}

// parseHeaders parses the output of `h5dump --header` for the given dataset paths.
func parseHeaders(filePath string, paths []string, header string) (Contents, error) {
	contents := make(Contents, len(paths))
	for _, p := range paths {
		contents[p] = &Dataset{FilePath: filePath, Path: p, DType: dtypes.InvalidDType}
	}
	parts := strings.Split(header, "DATASET")
	if len(parts)-1 != len(contents) {
		return nil, errors.Errorf("failed to parse dataset headers of %q: expected %d DATASET entries, got %d",
			filePath, len(contents), len(parts)-1)
	}
	for _, part := range parts[1:] {
		matches := regexpHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return nil, errors.Errorf("failed to parse dataset header of %q: %q", filePath, part)
		}
		ds, found := contents[matches[1]]
		if !found {
			return nil, errors.Errorf("header of unknown dataset %q in %q", matches[1], filePath)
		}
		ds.RawHeader = "DATASET" + part

		matches = regexpHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			klog.V(1).Infof("h5: DATATYPE of %q not parseable", ds.Path)
			continue
		}
		ds.DType = DTypeForH5T(strings.TrimSpace(matches[1]))
		if ds.DType == dtypes.InvalidDType {
			klog.V(1).Infof("h5: DATATYPE %q of %q not supported", matches[1], ds.Path)
			continue
		}
		shape, err := parseDataSpace(part, ds.DType)
		if err != nil {
			klog.V(1).Infof("h5: %q: %v", ds.Path, err)
			ds.DType = dtypes.InvalidDType
			continue
		}
		ds.Shape = shape
	}
	return contents, nil
}

func parseDataSpace(header string, dtype dtypes.DType) (shapes.Shape, error) {
	matches := regexpHeaderDataSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		return shapes.Shape{}, errors.New("DATASPACE not parseable")
	}
	switch matches[1] {
	case "SCALAR":
		return shapes.Make(dtype), nil
	case "SIMPLE":
		dimsParts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(dimsParts))
		for _, dimStr := range dimsParts {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return shapes.Shape{}, errors.Wrapf(err, "invalid DATASPACE dimension %q", dimStr)
			}
			dims = append(dims, dim)
		}
		return shapes.Make(dtype, dims...), nil
	}
	return shapes.Shape{}, errors.Errorf("DATASPACE type %q not supported", matches[1])
}

// DTypeForH5T returns the DType corresponding to known HDF5 types, or dtypes.InvalidDType.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_STD_U8LE", "H5T_STD_U8BE":
		return dtypes.Uint8
	case "H5T_STD_I8LE", "H5T_STD_I8BE":
		return dtypes.Int8
	case "H5T_STD_U16LE", "H5T_STD_U16BE":
		return dtypes.Uint16
	case "H5T_STD_I16LE", "H5T_STD_I16BE":
		return dtypes.Int16
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// Load extracts the whole dataset in native binary format.
func (ds *Dataset) Load() ([]byte, error) {
	return ds.extract()
}

// LoadRange extracts the rows [start, start+count) of the first axis of the dataset.
func (ds *Dataset) LoadRange(start, count int) ([]byte, error) {
	rank := ds.Shape.Rank()
	if rank == 0 {
		return nil, errors.Errorf("dataset %q is a scalar, it has no rows", ds.Path)
	}
	rows := ds.Shape.Dimensions[0]
	if start < 0 || count <= 0 || start+count > rows {
		return nil, errors.Errorf("invalid range [%d, %d) for dataset %q with %d rows", start, start+count, ds.Path, rows)
	}
	startArg := make([]string, rank)
	countArg := make([]string, rank)
	for axis := range rank {
		startArg[axis] = "0"
		countArg[axis] = strconv.Itoa(ds.Shape.Dimensions[axis])
	}
	startArg[0] = strconv.Itoa(start)
	countArg[0] = strconv.Itoa(count)
	return ds.extract("--start="+strings.Join(startArg, ","), "--count="+strings.Join(countArg, ","))
}

// RowSize is the number of bytes of one row (first axis entry) of the dataset.
func (ds *Dataset) RowSize() int {
	if ds.Shape.Rank() == 0 || ds.Shape.Dimensions[0] == 0 {
		return 0
	}
	return int(ds.Shape.Memory()) / ds.Shape.Dimensions[0]
}

func (ds *Dataset) extract(extraArgs ...string) ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "coxaai_h5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), err)
		}
	}()
	args := append([]string{"--dataset=" + ds.Path}, extraArgs...)
	args = append(args, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if _, err := execH5Dump(args...); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read temporary file %q with HDF5 dataset %q", tmpFile.Name(), ds.Path)
	}
	return raw, nil
}

func (ds *Dataset) String() string {
	return fmt.Sprintf("%s:%s %s", ds.FilePath, ds.Path, ds.Shape)
}

// execH5Dump executes h5dump and returns its standard output.
func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, it is needed to read HDF5 files: "+
			"please install the package hdf5-tools", H5DumpBinary)
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err := cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}
