// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	conf := config.Default()
	conf.Model.Name = "custom"
	_, err := New(conf, 3, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	conf.Model.Name = "unknown"
	_, err = New(conf, 3, 1)
	assert.ErrorContains(t, err, "unknown model")

	conf.Model.Name = "mlp"
	conf.Model.HiddenUnits = 5
	m, err := New(conf, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, "mlp(3->5->2)", m.Name())
	assert.Len(t, m.Parameters(), 4)

	_, err = New(conf, 0, 2)
	assert.Error(t, err)
}

// weightedSum is the loss sum_ij y_ij*c_ij, whose gradient with respect to y is c.
func weightedSum(y, c *tensors.Tensor) float64 {
	total := 0.0
	for ii, v := range y.Data() {
		total += v * c.Data()[ii]
	}
	return total
}

func checkGradients(t *testing.T, m Model) {
	x := tensors.FromFlatDataAndDimensions([]float64{0.5, -1, 2, 1.5, 0.3, -0.7}, 2, 3)
	y, err := m.Forward(x)
	require.NoError(t, err)
	c := tensors.FromShape(y.Dimensions()...)
	for ii := range c.Data() {
		c.Data()[ii] = float64(ii+1) * 0.5
	}
	m.ZeroGrad()
	require.NoError(t, m.Backward(c))

	const eps = 1e-6
	for _, p := range m.Parameters() {
		for ii := range p.Value.Data() {
			orig := p.Value.Data()[ii]
			p.Value.Data()[ii] = orig + eps
			yPlus, err := m.Forward(x)
			require.NoError(t, err)
			p.Value.Data()[ii] = orig - eps
			yMinus, err := m.Forward(x)
			require.NoError(t, err)
			p.Value.Data()[ii] = orig
			numeric := (weightedSum(yPlus, c) - weightedSum(yMinus, c)) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad.Data()[ii], 1e-4, "%s[%d]", p.Name, ii)
		}
	}
}

func TestLinearGradients(t *testing.T) {
	m, err := NewLinear(3, 2, 1)
	require.NoError(t, err)
	checkGradients(t, m)
}

func TestMLPGradients(t *testing.T) {
	m, err := NewMLP(3, 4, 2, 7)
	require.NoError(t, err)
	checkGradients(t, m)
}

func TestForwardShapeErrors(t *testing.T) {
	m, err := NewLinear(3, 1, 1)
	require.NoError(t, err)
	_, err = m.Forward(tensors.FromShape(2, 4))
	assert.Error(t, err)

	fresh, err := NewLinear(3, 1, 1)
	require.NoError(t, err)
	assert.Error(t, fresh.Backward(tensors.FromShape(2, 1)), "Backward before Forward")
}

func TestStateDict(t *testing.T) {
	m1, err := NewMLP(3, 4, 2, 1)
	require.NoError(t, err)
	m2, err := NewMLP(3, 4, 2, 2)
	require.NoError(t, err)
	assert.False(t, m1.Parameters()[0].Value.InDelta(m2.Parameters()[0].Value, 1e-9))

	sd := StateDictOf(m1)
	assert.Equal(t, []string{"mlp/hidden/weights", "mlp/hidden/bias", "mlp/output/weights", "mlp/output/bias"}, sd.Names())
	assert.Equal(t, 3*4+4+4*2+2, sd.NumValues())
	require.NoError(t, LoadStateDict(m2, sd))
	for ii, p := range m2.Parameters() {
		assert.True(t, p.Value.InDelta(m1.Parameters()[ii].Value, 0))
	}

	// StateDictOf is a copy.
	sd.Get("mlp/output/bias").Fill(10)
	assert.Equal(t, 0.0, m1.Parameters()[3].Value.Data()[0])

	linear, err := NewLinear(3, 2, 1)
	require.NoError(t, err)
	assert.Error(t, LoadStateDict(linear, sd))

	bad := NewStateDict()
	bad.Set("linear/weights", tensors.FromShape(2, 2))
	bad.Set("linear/bias", tensors.FromShape(1, 2))
	assert.Error(t, LoadStateDict(linear, bad))
}
