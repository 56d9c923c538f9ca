// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate, stepped once per epoch.
// See New for details and example of usage, and original paper description in [1]
//
// [1] https://paperswithcode.com/method/cosine-annealing.
package cosineschedule

import (
	"math"

	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Config of the cosine annealing schedule strategy.
// New creates it and once configured, call Config.Done to create the schedule.
type Config struct {
	opt                           optimizers.Interface
	learningRate, minLearningRate float64
	periodEpochs                  int
	warmUpEpochs                  int
}

// New creates a configuration to apply a cosine annealing schedule to the learning rate of opt.
// The current learning rate of opt is used as the maximum of the schedule.
//
// Example with cycles of 20 epochs, after 2 warmup epochs:
//
//	schedule, err := cosineschedule.New(opt).
//		MinLearningRate(1e-5).
//		WarmUpEpochs(2).
//		PeriodInEpochs(20).Done()
//	...
//	for epoch := range numEpochs {
//		... train one epoch ...
//		schedule.Step()
//	}
func New(opt optimizers.Interface) *Config {
	return &Config{opt: opt, learningRate: opt.LearningRate()}
}

// PeriodInEpochs sets the number of epochs of one cosine annealing period. After each period the
// learning rate restarts at its maximum.
func (c *Config) PeriodInEpochs(periodEpochs int) *Config {
	c.periodEpochs = periodEpochs
	return c
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.
func (c *Config) MinLearningRate(minLearningRate float64) *Config {
	c.minLearningRate = minLearningRate
	return c
}

// WarmUpEpochs sets the number of warmup epochs: during these initial epochs the learning rate
// linearly increases up to the maximum learning rate. The cosine annealing starts after them.
func (c *Config) WarmUpEpochs(warmUpEpochs int) *Config {
	c.warmUpEpochs = warmUpEpochs
	return c
}

// LearningRate sets the maximum learning rate of the schedule, overriding the current one of the optimizer.
func (c *Config) LearningRate(learningRate float64) *Config {
	c.learningRate = learningRate
	return c
}

// Done validates the configuration, sets the learning rate of the first epoch and returns the schedule.
func (c *Config) Done() (*Schedule, error) {
	if c.periodEpochs <= 0 {
		return nil, errors.Errorf("cosine schedule requires a period > 0 epochs, got %d", c.periodEpochs)
	}
	if c.warmUpEpochs < 0 {
		return nil, errors.Errorf("cosine schedule requires warmup >= 0 epochs, got %d", c.warmUpEpochs)
	}
	if c.minLearningRate > c.learningRate {
		return nil, errors.Errorf("cosine schedule min learning rate (%g) > learning rate (%g)",
			c.minLearningRate, c.learningRate)
	}
	s := &Schedule{config: *c}
	s.lastLR = s.learningRateAt(0)
	c.opt.SetLearningRate(s.lastLR)
	return s, nil
}

// Schedule implements optimizers.Schedule with cosine annealing.
type Schedule struct {
	config Config
	epoch  int
	lastLR float64
}

// learningRateAt returns the learning rate used during the given epoch (0-based).
func (s *Schedule) learningRateAt(epoch int) float64 {
	c := &s.config
	if epoch < c.warmUpEpochs {
		return c.learningRate * float64(epoch+1) / float64(c.warmUpEpochs+1)
	}
	epoch -= c.warmUpEpochs
	cycleFraction := float64(epoch%c.periodEpochs) / float64(c.periodEpochs)
	cosine := (math.Cos(cycleFraction*math.Pi) + 1) / 2
	return cosine*(c.learningRate-c.minLearningRate) + c.minLearningRate
}

// Step implements optimizers.Schedule.
func (s *Schedule) Step() {
	s.epoch++
	s.lastLR = s.learningRateAt(s.epoch)
	s.config.opt.SetLearningRate(s.lastLR)
}

// LastLR implements optimizers.Schedule.
func (s *Schedule) LastLR() float64 { return s.lastLR }

var _ optimizers.Schedule = (*Schedule)(nil)
