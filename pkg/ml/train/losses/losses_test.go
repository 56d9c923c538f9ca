// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"MSELoss", "L1Loss", "CrossEntropyLoss", "BCEWithLogitsLoss", "HuberLoss"} {
		loss, err := ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, loss.Name())
	}

	_, err := ByName(CustomLossName)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = ByName("NoSuchLoss")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownLoss))
	assert.Equal(t, `train/loss="NoSuchLoss": unknown loss`, err.Error())
}

func TestMeanSquaredError(t *testing.T) {
	pred := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 4, 1)
	labels := tensors.FromFlatDataAndDimensions([]float64{1, 0, 3, 2}, 4, 1)
	loss, grad, err := MeanSquaredError(pred, labels)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, loss, 1e-12)
	assert.Equal(t, []float64{0, 1, 0, 1}, grad.Data())

	_, _, err = MeanSquaredError(pred, tensors.FromShape(2, 1))
	assert.Error(t, err)
}

func TestMeanAbsoluteErrorAndHuber(t *testing.T) {
	pred := tensors.FromFlatDataAndDimensions([]float64{0, 3}, 2, 1)
	labels := tensors.FromFlatDataAndDimensions([]float64{0.5, 0}, 2, 1)
	loss, grad, err := MeanAbsoluteError(pred, labels)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, loss, 1e-12)
	assert.Equal(t, []float64{-0.5, 0.5}, grad.Data())

	loss, grad, err = MakeHuberLoss(1)(pred, labels)
	require.NoError(t, err)
	assert.InDelta(t, (0.5*0.25+(3-0.5))/2, loss, 1e-12)
	assert.InDeltaSlice(t, []float64{-0.25, 0.5}, grad.Data(), 1e-12)
}

// checkGradient compares the analytical gradient with finite differences.
func checkGradient(t *testing.T, fn LossFn, pred, labels *tensors.Tensor) {
	_, grad, err := fn(pred, labels)
	require.NoError(t, err)
	const eps = 1e-6
	for ii := range pred.Data() {
		orig := pred.Data()[ii]
		pred.Data()[ii] = orig + eps
		plus, _, err := fn(pred, labels)
		require.NoError(t, err)
		pred.Data()[ii] = orig - eps
		minus, _, err := fn(pred, labels)
		require.NoError(t, err)
		pred.Data()[ii] = orig
		assert.InDelta(t, (plus-minus)/(2*eps), grad.Data()[ii], 1e-5, "element %d", ii)
	}
}

func TestGradients(t *testing.T) {
	pred := tensors.FromFlatDataAndDimensions([]float64{0.3, -1.2, 2.5, 0.7, -0.1, 1.1}, 3, 2)
	regression := tensors.FromFlatDataAndDimensions([]float64{0, 1, 2, 0.5, -1, 1}, 3, 2)
	checkGradient(t, MeanSquaredError, pred, regression)
	checkGradient(t, MakeHuberLoss(1), pred, regression)

	binary := tensors.FromFlatDataAndDimensions([]float64{0, 1, 1, 0, 1, 0}, 3, 2)
	checkGradient(t, BinaryCrossentropyLogits, pred, binary)

	classes := tensors.FromFlatDataAndDimensions([]float64{1, 0, 1}, 3, 1)
	checkGradient(t, SparseCategoricalCrossEntropyLogits, pred, classes)
}

func TestCrossEntropy(t *testing.T) {
	logits := tensors.FromFlatDataAndDimensions([]float64{0, 0, 0, 0}, 1, 4)
	labels := tensors.FromFlatDataAndDimensions([]float64{2}, 1, 1)
	loss, _, err := SparseCategoricalCrossEntropyLogits(logits, labels)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-12)

	_, _, err = SparseCategoricalCrossEntropyLogits(logits, tensors.FromFlatDataAndDimensions([]float64{4}, 1, 1))
	assert.Error(t, err)
	_, _, err = SparseCategoricalCrossEntropyLogits(logits, tensors.FromFlatDataAndDimensions([]float64{1.5}, 1, 1))
	assert.Error(t, err)
}

func TestBinaryCrossentropyLogitsStable(t *testing.T) {
	logits := tensors.FromFlatDataAndDimensions([]float64{1000, -1000}, 2, 1)
	labels := tensors.FromFlatDataAndDimensions([]float64{1, 0}, 2, 1)
	loss, grad, err := BinaryCrossentropyLogits(logits, labels)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss, 1e-12)
	assert.False(t, grad.HasNaNOrInf())
}
