// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
//
// It also includes the StepLR learning rate schedule; see subpackage cosineschedule for cosine
// annealing.
package optimizers

import (
	"slices"
	"strings"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step updates the values of params using their accumulated gradients.
	//
	// Optimizers with state (momentum, moments) keep it per parameter name, so params must
	// be given with stable names across steps.
	Step(params []*models.Parameter) error

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate changes the learning rate used by the following steps. It's used by schedules.
	SetLearningRate(lr float64)

	// ZeroGrad resets the gradients of params.
	ZeroGrad(params []*models.Parameter)

	// Clear deletes all the optimizer state (momentum, moments, step count).
	Clear()
}

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors, configured from the
	// "optimizer" section of the configuration.
	KnownOptimizers = map[string]func(conf *config.OptimizerConfig) Interface{
		"sgd": func(conf *config.OptimizerConfig) Interface {
			return StochasticGradientDescent().FromConfig(conf).Done()
		},
		"adam":   func(conf *config.OptimizerConfig) Interface { return Adam().FromConfig(conf).Done() },
		"adamax": func(conf *config.OptimizerConfig) Interface { return Adam().Adamax().FromConfig(conf).Done() },
		"adamw": func(conf *config.OptimizerConfig) Interface {
			c := Adam().WeightDecay(AdamWDefaultWeightDecay).FromConfig(conf)
			return c.Done()
		},
		"rmsprop": func(conf *config.OptimizerConfig) Interface { return RMSProp().FromConfig(conf).Done() },
	}
)

// ByName returns the optimizer configured in conf.Optimizer.
func ByName(conf *config.Config) (Interface, error) {
	optFn, found := KnownOptimizers[strings.ToLower(conf.Optimizer.Name)]
	if !found {
		names := make([]string, 0, len(KnownOptimizers))
		for name := range KnownOptimizers {
			names = append(names, name)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, known values are %v", conf.Optimizer.Name, names)
	}
	return optFn(&conf.Optimizer), nil
}

// GetLR returns the current learning rate of the optimizer.
func GetLR(opt Interface) float64 {
	return opt.LearningRate()
}

// SGDConfig holds the configuration for the stochastic gradient descent optimizer.
type SGDConfig struct {
	learningRate, momentum, weightDecay float64
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that subtracts the gradient scaled by the learning
// rate, optionally with momentum and L2 weight decay. Configure it and call Done.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// WithLearningRate sets the learning rate.
func (sgd *SGDConfig) WithLearningRate(lr float64) *SGDConfig {
	sgd.learningRate = lr
	return sgd
}

// WithMomentum sets the momentum coefficient. 0 disables momentum.
func (sgd *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	sgd.momentum = momentum
	return sgd
}

// WithWeightDecay sets the L2 penalty coefficient, added to the gradients.
func (sgd *SGDConfig) WithWeightDecay(weightDecay float64) *SGDConfig {
	sgd.weightDecay = weightDecay
	return sgd
}

// FromConfig sets the hyperparameters from the "optimizer" configuration section. Only values > 0 are used.
func (sgd *SGDConfig) FromConfig(conf *config.OptimizerConfig) *SGDConfig {
	if conf.LR > 0 {
		sgd.learningRate = conf.LR
	}
	if conf.Momentum > 0 {
		sgd.momentum = conf.Momentum
	}
	if conf.WeightDecay > 0 {
		sgd.weightDecay = conf.WeightDecay
	}
	return sgd
}

// Done returns the configured optimizer.
func (sgd *SGDConfig) Done() Interface {
	return &sgdOptimizer{config: *sgd, learningRate: sgd.learningRate, velocity: make(map[string][]float64)}
}

type sgdOptimizer struct {
	config       SGDConfig
	learningRate float64
	velocity     map[string][]float64
}

func (o *sgdOptimizer) Step(params []*models.Parameter) error {
	for _, p := range params {
		value, grad := p.Value.Data(), p.Grad.Data()
		if len(value) != len(grad) {
			return errors.Errorf("sgd: parameter %q has %d values but %d gradients", p.Name, len(value), len(grad))
		}
		var velocity []float64
		if o.config.momentum > 0 {
			velocity = o.velocity[p.Name]
			if velocity == nil {
				velocity = make([]float64, len(value))
				o.velocity[p.Name] = velocity
			}
		}
		for ii, g := range grad {
			g += o.config.weightDecay * value[ii]
			if velocity != nil {
				velocity[ii] = o.config.momentum*velocity[ii] + g
				g = velocity[ii]
			}
			value[ii] -= o.learningRate * g
		}
	}
	return nil
}

func (o *sgdOptimizer) LearningRate() float64               { return o.learningRate }
func (o *sgdOptimizer) SetLearningRate(lr float64)          { o.learningRate = lr }
func (o *sgdOptimizer) ZeroGrad(params []*models.Parameter) { models.ZeroGrad(params) }
func (o *sgdOptimizer) Clear()                              { clear(o.velocity) }
