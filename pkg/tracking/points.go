// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/trainkit/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MetricsFileName is the file name within a run directory with the logged points, one JSON object per line.
const MetricsFileName = "metrics.jsonl"

// Point is one logged scalar.
type Point struct {
	// Name of the metric, e.g. "loss valid".
	Name string

	// MetricType is the first word of the name: "loss valid" and "loss train" have type "loss".
	// Metrics of the same type are drawn in the same plot.
	MetricType string

	// Step is usually the epoch.
	Step int

	Value float64
}

// NewPoint creates a Point, deriving its MetricType from the name.
func NewPoint(name string, step int, value float64) Point {
	metricType, _, _ := strings.Cut(name, " ")
	return Point{Name: name, MetricType: metricType, Step: step, Value: value}
}

// LoadPoints parses all points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metrics file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding metrics file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// createPointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func createPointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open metrics file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their Step.
type Points map[int][]Point

// NewPoints creates a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the sorted steps.
func (points Points) Steps() []int {
	return slices.Sorted(maps.Keys(points))
}

// MetricsNames return the names of the metrics in the collection, sorted by their type and then by their name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			metricNames.Insert(p.Name)
			nameToType[p.Name] = p.MetricType
		}
	}
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the (step, value) pairs of the given metric, sorted by step.
func (points Points) Series(name string) (steps []int, values []float64) {
	for _, step := range points.Steps() {
		for _, p := range points[step] {
			if p.Name == name {
				steps = append(steps, step)
				values = append(values, p.Value)
			}
		}
	}
	return
}

// TableForMetrics returns a table with the first column being the Step followed
// by the columns given by the metrics names.
// If metrics is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%d", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.Name); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.6g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer.
func (points Points) String() string {
	return points.TableForMetrics()
}
