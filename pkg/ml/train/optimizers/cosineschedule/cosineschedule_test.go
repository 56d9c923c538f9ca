// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule

import (
	"math"
	"testing"

	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingSchedule(t *testing.T) {
	opt := optimizers.StochasticGradientDescent().WithLearningRate(1.0).Done()
	schedule, err := New(opt).MinLearningRate(0.1).PeriodInEpochs(4).Done()
	require.NoError(t, err)
	want := []float64{
		1.0,
		(math.Cos(0.25*math.Pi)+1)/2*0.9 + 0.1,
		0.55,
		(math.Cos(0.75*math.Pi)+1)/2*0.9 + 0.1,
		1.0, // Restart of the period.
	}
	assert.InDelta(t, want[0], opt.LearningRate(), 1e-12)
	for epoch := 1; epoch < len(want); epoch++ {
		schedule.Step()
		assert.InDelta(t, want[epoch], opt.LearningRate(), 1e-12, "epoch %d", epoch)
		assert.Equal(t, opt.LearningRate(), schedule.LastLR())
	}
}

func TestWarmUp(t *testing.T) {
	opt := optimizers.Adam().LearningRate(0.3).Done()
	schedule, err := New(opt).WarmUpEpochs(2).PeriodInEpochs(10).Done()
	require.NoError(t, err)
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-12)
	schedule.Step()
	assert.InDelta(t, 0.2, opt.LearningRate(), 1e-12)
	schedule.Step()
	assert.InDelta(t, 0.3, opt.LearningRate(), 1e-12)
}

func TestInvalid(t *testing.T) {
	opt := optimizers.Adam().Done()
	_, err := New(opt).Done()
	assert.Error(t, err)
	_, err = New(opt).PeriodInEpochs(2).MinLearningRate(1).Done()
	assert.Error(t, err)
}
