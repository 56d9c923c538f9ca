// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccuracy(t *testing.T) {
	acc := NewAccuracy("accuracy", "acc")
	logits := tensors.FromFlatDataAndDimensions([]float64{
		0.1, 0.9, 0.0,
		0.8, 0.1, 0.1,
		0.2, 0.3, 0.5,
	}, 3, 3)
	labels := tensors.FromFlatDataAndDimensions([]float64{1, 0, 0}, 3, 1)
	require.NoError(t, acc.Update(logits, labels))
	assert.InDelta(t, 2.0/3.0, acc.Result(), 1e-12)

	// Second batch of size 1, weighted by batch size.
	require.NoError(t, acc.Update(
		tensors.FromFlatDataAndDimensions([]float64{0, 0, 1}, 1, 3),
		tensors.FromFlatDataAndDimensions([]float64{2}, 1, 1)))
	assert.InDelta(t, 3.0/4.0, acc.Result(), 1e-12)
	assert.Equal(t, "75.00%", acc.PrettyPrint(acc.Result()))

	acc.Reset()
	assert.Equal(t, 0.0, acc.Result())

	// Binary logits.
	require.NoError(t, acc.Update(
		tensors.FromFlatDataAndDimensions([]float64{2, -1, 0.5, -3}, 4, 1),
		tensors.FromFlatDataAndDimensions([]float64{1, 0, 0, 0}, 4, 1)))
	assert.InDelta(t, 0.75, acc.Result(), 1e-12)

	assert.Error(t, acc.Update(logits, tensors.FromShape(2, 1)))
}

func TestMeanAbsoluteError(t *testing.T) {
	mae := NewMeanAbsoluteError("mae", "mae")
	require.NoError(t, mae.Update(
		tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2, 1),
		tensors.FromFlatDataAndDimensions([]float64{0, 4}, 2, 1)))
	assert.InDelta(t, 1.5, mae.Result(), 1e-12)
	assert.Equal(t, "1.5", mae.PrettyPrint(1.5))
	assert.Equal(t, ErrorMetricType, mae.MetricType())
}

func TestStreamingMedian(t *testing.T) {
	median := NewMedianMetric("median_ae", "~ae", ErrorMetricType, AbsoluteErrorValues, nil).WithSampleSize(1000)
	n := 101
	preds := make([]float64, n)
	for ii := range preds {
		preds[ii] = float64(ii)
	}
	require.NoError(t, median.Update(tensors.FromFlatDataAndDimensions(preds, n, 1), tensors.FromShape(n, 1)))
	assert.Equal(t, 50.0, median.Result())
	median.Reset()
	assert.Equal(t, 0.0, median.Result())
}

func TestFromConfig(t *testing.T) {
	conf := config.Default()
	list, err := FromConfig(conf)
	require.NoError(t, err)
	assert.Empty(t, list)

	conf.Dataset.NumClasses = 3
	list, err = FromConfig(conf)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "accuracy", list[0].Name())

	conf.Train.Metrics = []string{"mae", "median_ae"}
	list, err = FromConfig(conf)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "median_ae", list[1].Name())

	conf.Train.Metrics = []string{"f1"}
	_, err = FromConfig(conf)
	assert.Error(t, err)
}
