// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// dense is an affine layer y = x·W + b, with W shaped [in, out] and b [1, out].
type dense struct {
	weights, bias *Parameter
	lastInput     *tensors.Tensor
}

// newDense creates a dense layer with Xavier (Glorot) uniform initialized weights and zero bias.
func newDense(scope string, inputDim, outputDim int, rng *rand.Rand) *dense {
	limit := math.Sqrt(6.0 / float64(inputDim+outputDim))
	w := tensors.FromShape(inputDim, outputDim)
	data := w.Data()
	for ii := range data {
		data[ii] = (2*rng.Float64() - 1) * limit
	}
	return &dense{
		weights: NewParameter(scope+"/weights", w),
		bias:    NewParameter(scope+"/bias", tensors.FromShape(1, outputDim)),
	}
}

func (d *dense) forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 2 || x.Dimensions()[1] != d.weights.Value.Dimensions()[0] {
		return nil, errors.Errorf("%s: input shaped %v, expected [batch_size, %d]",
			d.weights.Name, x.Dimensions(), d.weights.Value.Dimensions()[0])
	}
	d.lastInput = x
	var out mat.Dense
	out.Mul(x.Dense(), d.weights.Value.Dense())
	bias := d.bias.Value.Row(0)
	rows, _ := out.Dims()
	for row := range rows {
		r := out.RawRowView(row)
		for col, b := range bias {
			r[col] += b
		}
	}
	return tensors.FromDense(&out), nil
}

// backward accumulates the parameter gradients and returns the gradient with respect to the input.
func (d *dense) backward(gradOut *tensors.Tensor) (*tensors.Tensor, error) {
	if d.lastInput == nil {
		return nil, errors.Errorf("%s: Backward called before Forward", d.weights.Name)
	}
	if gradOut.Rank() != 2 || gradOut.Dimensions()[0] != d.lastInput.Dimensions()[0] ||
		gradOut.Dimensions()[1] != d.weights.Value.Dimensions()[1] {
		return nil, errors.Errorf("%s: gradient shaped %v, expected [%d, %d]", d.weights.Name, gradOut.Dimensions(),
			d.lastInput.Dimensions()[0], d.weights.Value.Dimensions()[1])
	}
	g := gradOut.Dense()

	var gradW mat.Dense
	gradW.Mul(d.lastInput.Dense().T(), g)
	wGrad := d.weights.Grad.Dense()
	wGrad.Add(wGrad, &gradW)

	bGrad := d.bias.Grad.Row(0)
	rows, _ := g.Dims()
	for row := range rows {
		for col, v := range g.RawRowView(row) {
			bGrad[col] += v
		}
	}

	var gradIn mat.Dense
	gradIn.Mul(g, d.weights.Value.Dense().T())
	return tensors.FromDense(&gradIn), nil
}

// LinearModel is an affine map from the features to the outputs.
type LinearModel struct {
	layer *dense
}

// NewLinear creates a linear model with seeded initialization.
func NewLinear(inputDim, outputDim int, seed int64) (*LinearModel, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, errors.Errorf("linear model requires positive dimensions, got %d and %d", inputDim, outputDim)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6c696e656172))
	return &LinearModel{layer: newDense("linear", inputDim, outputDim, rng)}, nil
}

// Name implements Model.
func (m *LinearModel) Name() string {
	dims := m.layer.weights.Value.Dimensions()
	return fmt.Sprintf("linear(%d->%d)", dims[0], dims[1])
}

// Forward implements Model.
func (m *LinearModel) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	return m.layer.forward(x)
}

// Backward implements Model.
func (m *LinearModel) Backward(gradOut *tensors.Tensor) error {
	_, err := m.layer.backward(gradOut)
	return err
}

// Parameters implements Model.
func (m *LinearModel) Parameters() []*Parameter {
	return []*Parameter{m.layer.weights, m.layer.bias}
}

// ZeroGrad implements Model.
func (m *LinearModel) ZeroGrad() { ZeroGrad(m.Parameters()) }

// SetTraining implements Model. The linear model behaves the same in training and evaluation.
func (m *LinearModel) SetTraining(bool) {}

// MLPModel has one hidden layer with ReLU activation.
type MLPModel struct {
	hidden, output *dense
	lastHidden     *tensors.Tensor
	training       bool
}

// NewMLP creates a multi-layer perceptron with seeded initialization.
func NewMLP(inputDim, hiddenUnits, outputDim int, seed int64) (*MLPModel, error) {
	if inputDim <= 0 || hiddenUnits <= 0 || outputDim <= 0 {
		return nil, errors.Errorf("mlp model requires positive dimensions, got input=%d, hidden=%d, output=%d",
			inputDim, hiddenUnits, outputDim)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6d6c70))
	return &MLPModel{
		hidden: newDense("mlp/hidden", inputDim, hiddenUnits, rng),
		output: newDense("mlp/output", hiddenUnits, outputDim, rng),
	}, nil
}

// Name implements Model.
func (m *MLPModel) Name() string {
	in := m.hidden.weights.Value.Dimensions()
	out := m.output.weights.Value.Dimensions()
	return fmt.Sprintf("mlp(%d->%d->%d)", in[0], in[1], out[1])
}

// Forward implements Model.
func (m *MLPModel) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	h, err := m.hidden.forward(x)
	if err != nil {
		return nil, err
	}
	data := h.Data()
	for ii, v := range data {
		if v < 0 {
			data[ii] = 0
		}
	}
	m.lastHidden = h
	return m.output.forward(h)
}

// Backward implements Model.
func (m *MLPModel) Backward(gradOut *tensors.Tensor) error {
	gradHidden, err := m.output.backward(gradOut)
	if err != nil {
		return err
	}
	activations := m.lastHidden.Data()
	grad := gradHidden.Data()
	for ii, a := range activations {
		if a <= 0 {
			grad[ii] = 0
		}
	}
	_, err = m.hidden.backward(gradHidden)
	return err
}

// Parameters implements Model.
func (m *MLPModel) Parameters() []*Parameter {
	return []*Parameter{m.hidden.weights, m.hidden.bias, m.output.weights, m.output.bias}
}

// ZeroGrad implements Model.
func (m *MLPModel) ZeroGrad() { ZeroGrad(m.Parameters()) }

// SetTraining implements Model.
func (m *MLPModel) SetTraining(training bool) { m.training = training }
