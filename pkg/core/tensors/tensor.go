// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense multidimensional array of float64 values stored
// in row-major order.
//
// Tensors are used as the batches produced by the data loaders, as model parameters and
// gradients, and as the contents of checkpoints.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(dimensions ...int): creates a tensor with the given dimensions, and zero values.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromRows(rows [][]float64): creates a matrix with one row per slice. All rows must have
//     the same length.
//
//   - FromDense(m *mat.Dense): copies a gonum matrix.
package tensors

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense multidimensional array of float64 values.
type Tensor struct {
	dims []int
	data []float64
}

// Size returns the number of elements of a tensor with the given dimensions.
func Size(dimensions ...int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// FromShape returns a zero-initialized tensor with the given dimensions.
// No dimensions yields a scalar.
func FromShape(dimensions ...int) *Tensor {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors.FromShape(%v): negative dimension", dimensions)
		}
	}
	return &Tensor{
		dims: slices.Clone(dimensions),
		data: make([]float64, Size(dimensions...)),
	}
}

// FromFlatDataAndDimensions returns a tensor that owns data, with the given dimensions.
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	if len(data) != Size(dimensions...) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: len(data)=%d doesn't match dimensions %v",
			len(data), dimensions)
	}
	return &Tensor{dims: slices.Clone(dimensions), data: data}
}

// FromScalar returns a tensor with no dimensions holding value.
func FromScalar(value float64) *Tensor {
	return &Tensor{data: []float64{value}}
}

// FromRows returns a matrix shaped [len(rows), len(rows[0])], with the rows copied.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return FromShape(0, 0), nil
	}
	numCols := len(rows[0])
	t := FromShape(len(rows), numCols)
	for ii, row := range rows {
		if len(row) != numCols {
			return nil, errors.Errorf("tensors.FromRows: row #%d has %d values, but row #0 has %d", ii, len(row), numCols)
		}
		copy(t.data[ii*numCols:], row)
	}
	return t, nil
}

// FromDense copies the gonum matrix m into a new [rows, cols] tensor.
func FromDense(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	t := FromShape(rows, cols)
	for row := range rows {
		for col := range cols {
			t.data[row*cols+col] = m.At(row, col)
		}
	}
	return t
}

// Dimensions returns the tensor dimensions. It shouldn't be modified.
func (t *Tensor) Dimensions() []int { return t.dims }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// IsScalar returns whether the tensor has no axes.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Data returns the flat data, in row-major order. It is not a copy: changes to it change the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Value returns the first element: the value of a scalar tensor.
func (t *Tensor) Value() float64 { return t.data[0] }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dims: slices.Clone(t.dims), data: slices.Clone(t.data)}
}

// SameShape returns whether t and other have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dims, other.dims)
}

// AssertMatrix panics if the tensor is not of rank 2.
func (t *Tensor) AssertMatrix() {
	if len(t.dims) != 2 {
		exceptions.Panicf("tensor with dimensions %v is not a matrix", t.dims)
	}
}

// At returns the element of a matrix at the given row and column.
func (t *Tensor) At(row, col int) float64 {
	return t.data[row*t.dims[1]+col]
}

// Set the element of a matrix at the given row and column.
func (t *Tensor) Set(row, col int, value float64) {
	t.data[row*t.dims[1]+col] = value
}

// Row returns the slice of data of the given row of a matrix, sharing memory with the tensor.
func (t *Tensor) Row(row int) []float64 {
	cols := t.dims[1]
	return t.data[row*cols : (row+1)*cols]
}

// NumRows returns the first dimension, or 1 for scalars.
func (t *Tensor) NumRows() int {
	if len(t.dims) == 0 {
		return 1
	}
	return t.dims[0]
}

// Dense returns a gonum matrix sharing the data of a rank-2 tensor.
func (t *Tensor) Dense() *mat.Dense {
	t.AssertMatrix()
	if t.dims[0] == 0 || t.dims[1] == 0 {
		exceptions.Panicf("cannot convert empty tensor %v to a gonum matrix", t.dims)
	}
	return mat.NewDense(t.dims[0], t.dims[1], t.data)
}

// CopyFrom copies the contents of other, which must have the same shape.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !t.SameShape(other) {
		return errors.Errorf("cannot copy tensor with dimensions %v into tensor with dimensions %v", other.dims, t.dims)
	}
	copy(t.data, other.data)
	return nil
}

// Fill sets all elements to value.
func (t *Tensor) Fill(value float64) {
	for ii := range t.data {
		t.data[ii] = value
	}
}

// HasNaNOrInf returns whether any value is NaN or infinite.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// InDelta returns whether t and other have the same shape and all values within delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.SameShape(other) {
		return false
	}
	for ii, v := range t.data {
		if math.Abs(v-other.data[ii]) > delta {
			return false
		}
	}
	return true
}
