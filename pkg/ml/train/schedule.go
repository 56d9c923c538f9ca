// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"strings"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/gomlx/trainkit/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
)

// NewSchedule creates the learning rate schedule configured in conf.LRScheduler for opt:
//
//   - "step": decays the learning rate by gamma every step_size epochs.
//   - "cosine": cosine annealing from the optimizer learning rate to min_lr, in cycles of step_size
//     epochs (or the whole training if step_size is 0), after warmup_epochs.
//   - "none" or "": constant learning rate.
func NewSchedule(conf *config.Config, opt optimizers.Interface) (optimizers.Schedule, error) {
	sc := &conf.LRScheduler
	switch strings.ToLower(sc.Name) {
	case "step":
		schedule, err := optimizers.StepLR(opt, sc.StepSize, sc.Gamma)
		if err != nil {
			return nil, err
		}
		return schedule, nil
	case "cosine":
		period := sc.StepSize
		if period <= 0 {
			period = max(conf.Train.MaxNumberOfEpochs-sc.WarmUpEpochs, 1)
		}
		schedule, err := cosineschedule.New(opt).
			PeriodInEpochs(period).
			MinLearningRate(sc.MinLR).
			WarmUpEpochs(sc.WarmUpEpochs).
			Done()
		if err != nil {
			return nil, err
		}
		return schedule, nil
	case "none", "":
		return optimizers.Constant(opt), nil
	}
	return nil, errors.Errorf("unknown lr_scheduler/name %q, known values are \"step\", \"cosine\" and \"none\"", sc.Name)
}
