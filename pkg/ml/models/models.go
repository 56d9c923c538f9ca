// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the Model interface trained by the train package, the StateDict used
// to save and restore parameters, and a registry of built-in models:
//
//   - "custom": placeholder for a user model, it returns ErrNotImplemented.
//   - "linear": an affine map.
//   - "mlp": one hidden layer with ReLU activation.
package models

import (
	"slices"
	"sync"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned when a placeholder model is selected.
var ErrNotImplemented = errors.New("model not implemented")

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// NewParameter creates a parameter with the given value and a zero gradient of the same shape.
func NewParameter(name string, value *tensors.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensors.FromShape(value.Dimensions()...)}
}

// Model is a differentiable function of its parameters.
type Model interface {
	// Name of the model.
	Name() string

	// Forward computes the predictions for a batch x shaped [batchSize, numFeatures].
	// The inputs of the last call are kept for Backward.
	Forward(x *tensors.Tensor) (*tensors.Tensor, error)

	// Backward takes the gradient of the loss with respect to the output of the last Forward,
	// and accumulates the gradients of the parameters.
	Backward(gradOut *tensors.Tensor) error

	// Parameters returns the trainable parameters, always in the same order.
	Parameters() []*Parameter

	// ZeroGrad resets the gradients of all parameters.
	ZeroGrad()

	// SetTraining switches between training and evaluation behavior.
	SetTraining(training bool)
}

// Constructor creates a model with the given input and output dimensions.
type Constructor func(conf *config.Config, inputDim, outputDim int) (Model, error)

var (
	muRegistry sync.Mutex
	registry   = map[string]Constructor{
		"custom": newCustomModel,
		"linear": func(conf *config.Config, inputDim, outputDim int) (Model, error) {
			return NewLinear(inputDim, outputDim, conf.Seed)
		},
		"mlp": func(conf *config.Config, inputDim, outputDim int) (Model, error) {
			return NewMLP(inputDim, conf.Model.HiddenUnits, outputDim, conf.Seed)
		},
	}
)

// Register a model constructor under name, replacing any previous one.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = constructor
}

// New creates the model configured in conf.Model.Name.
func New(conf *config.Config, inputDim, outputDim int) (Model, error) {
	muRegistry.Lock()
	constructor, found := registry[conf.Model.Name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown model %q", conf.Model.Name)
	}
	if inputDim <= 0 || outputDim <= 0 {
		return nil, errors.Errorf("model %q requires positive input and output dimensions, got %d and %d",
			conf.Model.Name, inputDim, outputDim)
	}
	m, err := constructor(conf, inputDim, outputDim)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating model %q", conf.Model.Name)
	}
	return m, nil
}

func newCustomModel(_ *config.Config, _, _ int) (Model, error) {
	return nil, errors.Wrap(ErrNotImplemented, "custom model must be implemented")
}

// ZeroGrad resets the gradients of the given parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Grad.Fill(0)
	}
}

// StateDict is an ordered collection of named tensors: the saved state of a model.
type StateDict struct {
	names  []string
	values map[string]*tensors.Tensor
}

// NewStateDict returns an empty StateDict.
func NewStateDict() *StateDict {
	return &StateDict{values: make(map[string]*tensors.Tensor)}
}

// Set the tensor for name. New names are appended to the order.
func (sd *StateDict) Set(name string, value *tensors.Tensor) {
	if _, found := sd.values[name]; !found {
		sd.names = append(sd.names, name)
	}
	sd.values[name] = value
}

// Get returns the tensor for name, or nil if not present.
func (sd *StateDict) Get(name string) *tensors.Tensor {
	return sd.values[name]
}

// Names returns the names in insertion order.
func (sd *StateDict) Names() []string { return slices.Clone(sd.names) }

// Len returns the number of entries.
func (sd *StateDict) Len() int { return len(sd.names) }

// NumValues returns the total number of scalar values stored.
func (sd *StateDict) NumValues() int {
	total := 0
	for _, t := range sd.values {
		total += t.Size()
	}
	return total
}

// StateDictOf returns a copy of the parameter values of m.
func StateDictOf(m Model) *StateDict {
	sd := NewStateDict()
	for _, p := range m.Parameters() {
		sd.Set(p.Name, p.Value.Clone())
	}
	return sd
}

// LoadStateDict copies the values of sd into the parameters of m.
// Every parameter must be present in sd with the same shape, and sd must not have extra entries.
func LoadStateDict(m Model, sd *StateDict) error {
	params := m.Parameters()
	if len(params) != sd.Len() {
		return errors.Errorf("model %q has %d parameters, but the state has %d entries (%v)",
			m.Name(), len(params), sd.Len(), sd.Names())
	}
	for _, p := range params {
		value := sd.Get(p.Name)
		if value == nil {
			return errors.Errorf("model %q parameter %q missing from the state (%v)", m.Name(), p.Name, sd.Names())
		}
		if err := p.Value.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "loading parameter %q of model %q", p.Name, m.Name())
		}
	}
	return nil
}
