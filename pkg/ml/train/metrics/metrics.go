// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics evaluated over the batches of an epoch, and
// defines the Interface they implement.
package metrics

import (
	"fmt"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric. It's used as the key in the epoch logs.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "accuracy" and "median_accuracy" would both have the same "accuracy" metric type,
	// and for instance, can be displayed on the same plot, sharing the Y-axis.
	MetricType() string

	// Update the metric with the predictions (or logits) and labels of one batch.
	Update(predictions, labels *tensors.Tensor) error

	// Result returns the value of the metric over all batches since the last Reset.
	Result() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters when starting a new evaluation.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same  type in the same plot.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"

	// ErrorMetricType is the type of regression error metrics.
	ErrorMetricType = "error"
)

// BatchMetricFn returns the per-example values of a metric for one batch.
type BatchMetricFn func(predictions, labels *tensors.Tensor) (values []float64, err error)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

type baseMetric struct {
	name, shortName, metricType string
	metricFn                    BatchMetricFn
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string       { return m.name }
func (m *baseMetric) ShortName() string  { return m.shortName }
func (m *baseMetric) MetricType() string { return m.metricType }

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) values(predictions, labels *tensors.Tensor) ([]float64, error) {
	values, err := m.metricFn(predictions, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "metric %q", m.name)
	}
	return values, nil
}

// MeanMetric is the mean of the per-example values over all batches, so batches are weighted
// by their size.
type MeanMetric struct {
	baseMetric
	sum   float64
	count int
}

// NewMeanMetric creates a mean metric from any BatchMetricFn.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, metricFn BatchMetricFn, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			metricFn:   metricFn,
			pPrintFn:   prettyPrintFn,
		},
	}
}

// Update implements Interface.
func (m *MeanMetric) Update(predictions, labels *tensors.Tensor) error {
	values, err := m.values(predictions, labels)
	if err != nil {
		return err
	}
	for _, v := range values {
		m.sum += v
	}
	m.count += len(values)
	return nil
}

// Result implements Interface. It returns 0 if no examples were seen.
func (m *MeanMetric) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.sum, m.count = 0, 0
}

// AccuracyValues returns 1 for each example correctly classified, 0 otherwise.
//
// If predictions have more than one column, the predicted class is the argmax and labels hold the
// class index. With a single column, predictions are logits thresholded at 0 and labels are in {0, 1}.
func AccuracyValues(predictions, labels *tensors.Tensor) ([]float64, error) {
	if predictions.Rank() != 2 || labels.Rank() != 2 || labels.Dimensions()[1] != 1 ||
		predictions.Dimensions()[0] != labels.Dimensions()[0] {
		return nil, errors.Errorf("accuracy requires predictions shaped [batch, n] and labels shaped [batch, 1], got %v and %v",
			predictions.Dimensions(), labels.Dimensions())
	}
	batchSize := predictions.Dimensions()[0]
	values := make([]float64, batchSize)
	for row := range batchSize {
		pred := predictions.Row(row)
		var predicted float64
		if len(pred) == 1 {
			if pred[0] > 0 {
				predicted = 1
			}
		} else {
			best := 0
			for c, v := range pred {
				if v > pred[best] {
					best = c
				}
			}
			predicted = float64(best)
		}
		if predicted == labels.At(row, 0) {
			values[row] = 1
		}
	}
	return values, nil
}

// AbsoluteErrorValues returns the absolute difference of each prediction and label.
func AbsoluteErrorValues(predictions, labels *tensors.Tensor) ([]float64, error) {
	if !predictions.SameShape(labels) {
		return nil, errors.Errorf("predictions shaped %v and labels shaped %v don't match",
			predictions.Dimensions(), labels.Dimensions())
	}
	values := make([]float64, predictions.Size())
	labelsData := labels.Data()
	for ii, p := range predictions.Data() {
		diff := p - labelsData[ii]
		if diff < 0 {
			diff = -diff
		}
		values[ii] = diff
	}
	return values, nil
}

func accuracyPPrint(value float64) string {
	return fmt.Sprintf("%.2f%%", value*100.0)
}

// NewAccuracy returns a new accuracy metric with the given names.
func NewAccuracy(name, shortName string) *MeanMetric {
	return NewMeanMetric(name, shortName, AccuracyMetricType, AccuracyValues, accuracyPPrint)
}

// NewMeanAbsoluteError returns a new mean absolute error metric with the given names.
func NewMeanAbsoluteError(name, shortName string) *MeanMetric {
	return NewMeanMetric(name, shortName, ErrorMetricType, AbsoluteErrorValues, nil)
}

// FromConfig returns the metrics named in train/metrics: "accuracy", "mae" and "median_ae".
//
// If none are configured, classification datasets (dataset/num_classes > 0) get accuracy, and
// regression ones no extra metric.
func FromConfig(conf *config.Config) ([]Interface, error) {
	names := conf.Train.Metrics
	if len(names) == 0 && conf.Dataset.NumClasses > 0 {
		names = []string{"accuracy"}
	}
	var list []Interface
	for _, name := range names {
		switch name {
		case "accuracy":
			list = append(list, NewAccuracy("accuracy", "acc"))
		case "mae":
			list = append(list, NewMeanAbsoluteError("mae", "mae"))
		case "median_ae":
			list = append(list, NewMedianMetric("median_ae", "~ae", ErrorMetricType, AbsoluteErrorValues, nil))
		default:
			return nil, errors.Errorf("unknown metric %q in train/metrics", name)
		}
	}
	return list, nil
}
