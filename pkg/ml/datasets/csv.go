// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/gomlx/trainkit/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadCSV reads the CSV file at path (with a header line) into an in-memory dataset.
//
// The label column becomes the single label of each example. If features is empty, all
// other columns are used as features. All selected columns must be numeric.
func LoadCSV(path string, features []string, label string) (*InMemoryDataset, error) {
	if label == "" {
		return nil, errors.Errorf("CSV dataset %q requires dataset/label to be set", path)
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CSV dataset")
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse CSV dataset %q", path)
	}
	columns := sets.MakeWith(df.Names()...)
	if !columns.Has(label) {
		return nil, errors.Errorf("CSV dataset %q has no label column %q (columns: %v)", path, label, df.Names())
	}
	if len(features) == 0 {
		features = slices.DeleteFunc(slices.Clone(df.Names()), func(name string) bool { return name == label })
	}
	for _, feature := range features {
		if !columns.Has(feature) {
			return nil, errors.Errorf("CSV dataset %q has no feature column %q (columns: %v)", path, feature, df.Names())
		}
	}

	numRows := df.Nrow()
	x := make([][]float64, numRows)
	for ii := range x {
		x[ii] = make([]float64, len(features))
	}
	y := make([][]float64, numRows)
	for featureIdx, feature := range features {
		col := df.Col(feature)
		if col.HasNaN() {
			return nil, errors.Errorf("CSV dataset %q: feature column %q has missing or non-numeric values", path, feature)
		}
		for row, v := range col.Float() {
			x[row][featureIdx] = v
		}
	}
	labelCol := df.Col(label)
	if labelCol.HasNaN() {
		return nil, errors.Errorf("CSV dataset %q: label column %q has missing or non-numeric values", path, label)
	}
	for row, v := range labelCol.Float() {
		y[row] = []float64{v}
	}
	klog.V(1).Infof("Loaded CSV dataset %q: %d examples, %d features", path, numRows, len(features))
	return NewInMemory(filepath.Base(path), x, y)
}

// NewCSV implements Constructor for the "csv" dataset.
func NewCSV(conf *config.Config, mode Mode) (Dataset, error) {
	ds, err := LoadCSV(conf.Dataset.Path, conf.Dataset.Features, conf.Dataset.Label)
	if err != nil {
		return nil, err
	}
	return ds.Split(conf, mode)
}
