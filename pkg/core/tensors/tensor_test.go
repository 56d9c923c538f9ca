// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestConstructors(t *testing.T) {
	zeros := FromShape(2, 3)
	assert.Equal(t, []int{2, 3}, zeros.Dimensions())
	assert.Equal(t, 6, zeros.Size())
	assert.Equal(t, 2, zeros.Rank())

	m, err := FromRows([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.At(1, 1))
	assert.Equal(t, []float64{5, 6}, m.Row(2))

	_, err = FromRows([][]float64{{1, 2}, {3}})
	assert.Error(t, err)

	assert.Panics(t, func() { FromFlatDataAndDimensions([]float64{1, 2, 3}, 2, 2) })

	s := FromScalar(7)
	assert.True(t, s.IsScalar())
	assert.Equal(t, 7.0, s.Value())
}

func TestDense(t *testing.T) {
	m := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	d := m.Dense()
	d.Set(0, 0, 10) // Shares memory.
	assert.Equal(t, 10.0, m.At(0, 0))

	var product mat.Dense
	product.Mul(d, d)
	p := FromDense(&product)
	assert.Equal(t, []float64{10*10 + 2*3, 10*2 + 2*4, 3*10 + 4*3, 3*2 + 4*4}, p.Data())
}

func TestCloneAndCopy(t *testing.T) {
	m := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	c := m.Clone()
	c.Set(0, 1, 20)
	assert.Equal(t, 2.0, m.At(0, 1))
	require.NoError(t, m.CopyFrom(c))
	assert.Equal(t, 20.0, m.At(0, 1))
	assert.Error(t, m.CopyFrom(FromShape(4)))
	assert.True(t, m.InDelta(c, 1e-9))
}

func TestSummary(t *testing.T) {
	m := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, "[2][2]float64{{1, 2},\n {3, 4}}", m.String())
	assert.Equal(t, "float64(3.5)", FromScalar(3.5).String())
	long := FromShape(10)
	assert.Equal(t, "[10]float64{0, 0, 0, ..., 0, 0, 0}", long.String())
}
