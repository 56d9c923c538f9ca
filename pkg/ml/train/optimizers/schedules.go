// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule changes the learning rate of an optimizer as training progresses.
type Schedule interface {
	// Step is called once at the end of every epoch, and updates the optimizer learning rate.
	Step()

	// LastLR returns the learning rate last set by the schedule.
	LastLR() float64
}

// StepLRSchedule decays the learning rate by gamma every stepSize epochs:
// lr = baseLR * gamma^floor(epoch/stepSize).
type StepLRSchedule struct {
	opt      Interface
	baseLR   float64
	stepSize int
	gamma    float64
	epoch    int
	lastLR   float64
}

// StepLR creates a StepLRSchedule for opt, using its current learning rate as the base.
func StepLR(opt Interface, stepSize int, gamma float64) (*StepLRSchedule, error) {
	if stepSize <= 0 {
		return nil, errors.Errorf("StepLR requires step_size > 0, got %d", stepSize)
	}
	return &StepLRSchedule{
		opt:      opt,
		baseLR:   opt.LearningRate(),
		stepSize: stepSize,
		gamma:    gamma,
		lastLR:   opt.LearningRate(),
	}, nil
}

// Step implements Schedule.
func (s *StepLRSchedule) Step() {
	s.epoch++
	s.lastLR = s.baseLR * math.Pow(s.gamma, float64(s.epoch/s.stepSize))
	s.opt.SetLearningRate(s.lastLR)
}

// LastLR implements Schedule.
func (s *StepLRSchedule) LastLR() float64 { return s.lastLR }

// ConstantSchedule keeps the learning rate unchanged.
type ConstantSchedule struct {
	opt Interface
}

// Constant returns a Schedule that doesn't change the learning rate of opt.
func Constant(opt Interface) *ConstantSchedule { return &ConstantSchedule{opt: opt} }

// Step implements Schedule.
func (s *ConstantSchedule) Step() {}

// LastLR implements Schedule.
func (s *ConstantSchedule) LastLR() float64 { return s.opt.LearningRate() }
