// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package csvlog implements a metrics logger that writes CSV files, one directory per run:
//
//	<save_dir>/<name>/version_<n>/metrics.csv
//	<save_dir>/<name>/version_<n>/hparams.yaml
//
// The version is incremented automatically for each new logger with the same name. The columns of metrics.csv
// are the union of all metrics logged, with "epoch" and "step" first and the others sorted. Metrics missing
// in a row are left blank.
package csvlog

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/coxaai/coxaai/internal/fsutil"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// MetricsFileName is the CSV file with the metrics of a run.
	MetricsFileName = "metrics.csv"

	// HparamsFileName is the YAML file with the hyperparameters of a run.
	HparamsFileName = "hparams.yaml"

	// DefaultFlushEvery is the default number of rows logged between writes of metrics.csv.
	DefaultFlushEvery = 100
)

// CSVLogger logs metrics to a CSV file. It is safe for concurrent use.
type CSVLogger struct {
	saveDir, name string
	version       int
	logDir        string
	flushEvery    int
	runID         string

	mu      sync.Mutex
	rows    []map[string]float64
	columns map[string]bool
	pending int
}

// Option for New.
type Option func(*CSVLogger)

// WithVersion forces the version instead of using the next free one.
func WithVersion(version int) Option {
	return func(l *CSVLogger) { l.version = version }
}

// WithFlushEvery sets the number of rows logged between writes of metrics.csv. Lightning calls it
// flush_logs_every_n_steps.
func WithFlushEvery(n int) Option {
	return func(l *CSVLogger) { l.flushEvery = n }
}

// New creates the logger and its directory <saveDir>/<name>/version_<n>.
func New(saveDir, name string, options ...Option) (*CSVLogger, error) {
	if name == "" {
		return nil, errors.New("csvlog: empty logger name")
	}
	saveDir, err := fsutil.ReplaceTildeInDir(saveDir)
	if err != nil {
		return nil, err
	}
	l := &CSVLogger{
		saveDir:    saveDir,
		name:       name,
		version:    -1,
		flushEvery: DefaultFlushEvery,
		runID:      uuid.NewString(),
		columns:    make(map[string]bool),
	}
	for _, option := range options {
		option(l)
	}
	if l.flushEvery <= 0 {
		return nil, errors.Errorf("csvlog: invalid flush period %d", l.flushEvery)
	}
	if l.version < 0 {
		l.version, err = NextVersion(filepath.Join(saveDir, name))
		if err != nil {
			return nil, err
		}
	}
	l.logDir = filepath.Join(saveDir, name, "version_"+strconv.Itoa(l.version))
	if err := fsutil.MkdirAll(l.logDir); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Logging metrics to %q", l.logDir)
	return l, nil
}

// NextVersion returns the next free version number under root.
func NextVersion(root string) (int, error) {
	dirs, err := fsutil.VersionDirs(root)
	if err != nil {
		return 0, err
	}
	if len(dirs) == 0 {
		return 0, nil
	}
	last, _ := fsutil.ParseVersion(filepath.Base(dirs[len(dirs)-1]))
	return last + 1, nil
}

// Name of the logger, the directory under the save directory.
func (l *CSVLogger) Name() string { return l.name }

// Version of this run.
func (l *CSVLogger) Version() int { return l.version }

// LogDir is the directory of this run: <save_dir>/<name>/version_<n>.
func (l *CSVLogger) LogDir() string { return l.logDir }

// RunID is a unique identifier of the run, recorded in the hyperparameters.
func (l *CSVLogger) RunID() string { return l.runID }

// LogMetrics adds a row with the metrics at the given step. The file is written every flushEvery rows.
func (l *CSVLogger) LogMetrics(metrics map[string]float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := maps.Clone(metrics)
	if row == nil {
		row = make(map[string]float64, 1)
	}
	row["step"] = float64(step)
	for key := range row {
		l.columns[key] = true
	}
	l.rows = append(l.rows, row)
	l.pending++
	if l.pending >= l.flushEvery {
		return l.flushLocked()
	}
	return nil
}

// LogHyperparams writes hparams.yaml with the given parameters and the run_id.
func (l *CSVLogger) LogHyperparams(params map[string]any) error {
	contents := maps.Clone(params)
	if contents == nil {
		contents = make(map[string]any, 1)
	}
	contents["run_id"] = l.runID
	encoded, err := yaml.Marshal(contents)
	if err != nil {
		return errors.Wrap(err, "csvlog: encoding hyperparameters")
	}
	path := filepath.Join(l.logDir, HparamsFileName)
	return errors.Wrapf(os.WriteFile(path, encoded, 0o644), "csvlog: writing %q", path)
}

// Flush writes metrics.csv with all rows logged so far.
func (l *CSVLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// Close flushes the pending rows.
func (l *CSVLogger) Close() error {
	return l.Flush()
}

// Columns returns the header of metrics.csv: "epoch" and "step" first, then the other metrics sorted.
func (l *CSVLogger) Columns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.columnsLocked()
}

func (l *CSVLogger) columnsLocked() []string {
	var columns []string
	for _, key := range []string{"epoch", "step"} {
		if l.columns[key] {
			columns = append(columns, key)
		}
	}
	var others []string
	for key := range l.columns {
		if key != "epoch" && key != "step" {
			others = append(others, key)
		}
	}
	slices.Sort(others)
	return append(columns, others...)
}

// records returns the CSV records, header included.
func (l *CSVLogger) records() [][]string {
	columns := l.columnsLocked()
	records := make([][]string, 0, len(l.rows)+1)
	records = append(records, columns)
	for _, row := range l.rows {
		record := make([]string, len(columns))
		for ii, column := range columns {
			if value, found := row[column]; found {
				record[ii] = formatValue(column, value)
			}
		}
		records = append(records, record)
	}
	return records
}

// formatValue prints epoch and step as integers and the other metrics with full precision.
func formatValue(column string, value float64) string {
	if column == "epoch" || column == "step" {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func (l *CSVLogger) flushLocked() error {
	l.pending = 0
	if len(l.rows) == 0 {
		return nil
	}
	df := dataframe.LoadRecords(l.records(),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return errors.Wrap(df.Err, "csvlog: building metrics table")
	}
	path := filepath.Join(l.logDir, MetricsFileName)
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "csvlog: creating %q", tmpPath)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "csvlog: writing %q", tmpPath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "csvlog: closing %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, path), "csvlog: renaming %q", tmpPath)
}
