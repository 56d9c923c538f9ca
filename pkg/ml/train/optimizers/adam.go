// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamWDefaultWeightDecay is the weight decay used by "adamw" if none is configured.
	AdamWDefaultWeightDecay = 0.004
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it: it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
}

// FromConfig sets the hyperparameters from the "optimizer" configuration section. Only values > 0 are used.
func (c *AdamConfig) FromConfig(conf *config.OptimizerConfig) *AdamConfig {
	if conf.LR > 0 {
		c.learningRate = conf.LR
	}
	if conf.Beta1 > 0 {
		c.beta1 = conf.Beta1
	}
	if conf.Beta2 > 0 {
		c.beta2 = conf.Beta2
	}
	if conf.Epsilon > 0 {
		c.epsilon = conf.Epsilon
	}
	if conf.WeightDecay > 0 {
		c.weightDecay = conf.WeightDecay
	}
	return c
}

// LearningRate sets the base learning rate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999). Values are given as float64.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1 = beta1
	c.beta2 = beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for the second moment,
// instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// The decay is decoupled from the moments and scaled by the learning rate.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c, learningRate: c.learningRate, moments: make(map[string]*adamMoments)}
}

type adamMoments struct {
	m1, m2 []float64
	step   int
}

type adam struct {
	config       AdamConfig
	learningRate float64
	moments      map[string]*adamMoments
}

func (o *adam) Step(params []*models.Parameter) error {
	c := &o.config
	for _, p := range params {
		value, grad := p.Value.Data(), p.Grad.Data()
		if len(value) != len(grad) {
			return errors.Errorf("adam: parameter %q has %d values but %d gradients", p.Name, len(value), len(grad))
		}
		state := o.moments[p.Name]
		if state == nil {
			state = &adamMoments{m1: make([]float64, len(value)), m2: make([]float64, len(value))}
			o.moments[p.Name] = state
		}
		state.step++
		debiasTermBeta1 := 1 / (1 - math.Pow(c.beta1, float64(state.step)))
		debiasTermBeta2 := 1 / (1 - math.Pow(c.beta2, float64(state.step)))
		for ii, g := range grad {
			// The momentum is disabled (we simply take the gradient) if rmsProp is set.
			debiasedMoment1 := g
			if !c.rmsProp {
				state.m1[ii] = c.beta1*state.m1[ii] + (1-c.beta1)*g
				debiasedMoment1 = state.m1[ii] * debiasTermBeta1
			}
			var denominator float64
			if c.adamax {
				state.m2[ii] = math.Max(c.beta2*state.m2[ii], math.Abs(g))
				denominator = state.m2[ii] + c.epsilon
			} else {
				state.m2[ii] = c.beta2*state.m2[ii] + (1-c.beta2)*g*g
				denominator = math.Sqrt(state.m2[ii]*debiasTermBeta2) + c.epsilon
			}
			step := o.learningRate * debiasedMoment1 / denominator
			if c.weightDecay > 0 {
				step += o.learningRate * c.weightDecay * value[ii]
			}
			value[ii] -= step
		}
	}
	return nil
}

func (o *adam) LearningRate() float64               { return o.learningRate }
func (o *adam) SetLearningRate(lr float64)          { o.learningRate = lr }
func (o *adam) ZeroGrad(params []*models.Parameter) { models.ZeroGrad(params) }
func (o *adam) Clear()                              { clear(o.moments) }
