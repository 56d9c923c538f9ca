// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training harness: the Trainer (one training or evaluation epoch over
// a DataLoader), the Loop with its hooks, and Train, the driver that wires the dataset, model,
// loss, optimizer, schedule, checkpoints, tracking and (optionally) data-parallel training
// configured in a config.Config.
package train

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/gomlx/trainkit/pkg/ml/datasets"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/gomlx/trainkit/pkg/ml/train/losses"
	"github.com/gomlx/trainkit/pkg/ml/train/metrics"
	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// LossKey is the key of the mean loss in Logs.
const LossKey = "loss"

// Logs are the scalar results of an epoch: the mean loss (under LossKey) and the metrics (by name).
type Logs map[string]float64

// Keys returns the sorted keys of the logs.
func (l Logs) Keys() []string {
	return slices.Sorted(maps.Keys(l))
}

// Loss returns the mean loss, or NaN if not present.
func (l Logs) Loss() float64 {
	if v, found := l[LossKey]; found {
		return v
	}
	return math.NaN()
}

// String implements fmt.Stringer, with the keys sorted.
func (l Logs) String() string {
	parts := make([]string, 0, len(l))
	for _, key := range l.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%.6g", key, l[key]))
	}
	return strings.Join(parts, ", ")
}

// GradientReduceFn combines the flattened gradients of all parameters, in place. It's used to
// average gradients across the ranks of a data-parallel job.
type GradientReduceFn func(ctx context.Context, grads []float64) error

// Trainer runs the training and evaluation epochs of a model.
type Trainer struct {
	model     models.Model
	loss      losses.Loss
	optimizer optimizers.Interface
	metrics   []metrics.Interface

	gradientReduce GradientReduceFn
	flatGrads      []float64
}

// NewTrainer creates a Trainer. The metrics are evaluated on the training and validation epochs.
func NewTrainer(model models.Model, loss losses.Loss, optimizer optimizers.Interface, metricsList ...metrics.Interface) *Trainer {
	return &Trainer{model: model, loss: loss, optimizer: optimizer, metrics: metricsList}
}

// WithGradientReduce sets fn to combine the gradients after each batch, before the optimizer step.
func (t *Trainer) WithGradientReduce(fn GradientReduceFn) *Trainer {
	t.gradientReduce = fn
	return t
}

// Model returns the model being trained.
func (t *Trainer) Model() models.Model { return t.model }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optimizers.Interface { return t.optimizer }

// Loss returns the loss.
func (t *Trainer) Loss() losses.Loss { return t.loss }

// Metrics returns the metrics.
func (t *Trainer) Metrics() []metrics.Interface { return t.metrics }

// epochAccumulator computes the example-weighted mean loss of an epoch.
type epochAccumulator struct {
	sum   float64
	count int
}

func (t *Trainer) resetMetrics() {
	for _, m := range t.metrics {
		m.Reset()
	}
}

func (t *Trainer) logs(acc *epochAccumulator) (Logs, error) {
	if acc.count == 0 {
		return nil, errors.New("no examples in the epoch")
	}
	logs := Logs{LossKey: acc.sum / float64(acc.count)}
	for _, m := range t.metrics {
		logs[m.Name()] = m.Result()
	}
	return logs, nil
}

// forward computes the predictions and loss of one batch, and updates the metrics.
func (t *Trainer) forward(batch *datasets.Batch) (lossValue float64, grad *tensors.Tensor, err error) {
	predictions, err := t.model.Forward(batch.X)
	if err != nil {
		return 0, nil, errors.WithMessage(err, "model forward")
	}
	lossValue, g, err := t.loss.Forward(predictions, batch.Y)
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "loss %q", t.loss.Name())
	}
	if math.IsNaN(lossValue) {
		return 0, nil, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(lossValue, 0) {
		return 0, nil, errors.Errorf("batch loss is infinity (%f), training interrupted", lossValue)
	}
	for _, m := range t.metrics {
		if err = m.Update(predictions, batch.Y); err != nil {
			return 0, nil, errors.WithMessagef(err, "metric %q", m.Name())
		}
	}
	return lossValue, g, nil
}

// TrainEpoch runs one training epoch over the loader: for each batch it computes the loss,
// back-propagates, reduces the gradients (if configured) and updates the parameters.
// onStep, if not nil, is called after each batch with its loss.
//
// It returns the mean loss (weighted by the number of examples) and the metrics of the epoch.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *datasets.DataLoader, onStep func(batchLoss float64) error) (Logs, error) {
	t.model.SetTraining(true)
	t.resetMetrics()
	params := t.model.Parameters()
	var acc epochAccumulator
	batchIdx := 0
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return nil, err
		}
		t.optimizer.ZeroGrad(params)
		lossValue, grad, err := t.forward(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "training batch #%d", batchIdx)
		}
		if err = t.model.Backward(grad); err != nil {
			return nil, errors.WithMessagef(err, "training batch #%d: model backward", batchIdx)
		}
		if t.gradientReduce != nil {
			if err = t.reduceGradients(ctx, params); err != nil {
				return nil, errors.WithMessagef(err, "training batch #%d: reducing gradients", batchIdx)
			}
		}
		if err = t.optimizer.Step(params); err != nil {
			return nil, errors.WithMessagef(err, "training batch #%d: optimizer step", batchIdx)
		}
		acc.sum += lossValue * float64(batch.Size())
		acc.count += batch.Size()
		if onStep != nil {
			if err = onStep(lossValue); err != nil {
				return nil, err
			}
		}
		batchIdx++
	}
	return t.logs(&acc)
}

// EvalEpoch evaluates the model over the loader, without changing its parameters.
func (t *Trainer) EvalEpoch(ctx context.Context, loader *datasets.DataLoader) (Logs, error) {
	t.model.SetTraining(false)
	defer t.model.SetTraining(true)
	t.resetMetrics()
	var acc epochAccumulator
	batchIdx := 0
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return nil, err
		}
		lossValue, _, err := t.forward(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation batch #%d", batchIdx)
		}
		acc.sum += lossValue * float64(batch.Size())
		acc.count += batch.Size()
		batchIdx++
	}
	return t.logs(&acc)
}

// reduceGradients flattens the gradients of params, calls the GradientReduceFn and copies the results back.
func (t *Trainer) reduceGradients(ctx context.Context, params []*models.Parameter) error {
	t.flatGrads = t.flatGrads[:0]
	for _, p := range params {
		t.flatGrads = append(t.flatGrads, p.Grad.Data()...)
	}
	if err := t.gradientReduce(ctx, t.flatGrads); err != nil {
		return err
	}
	pos := 0
	for _, p := range params {
		pos += copy(p.Grad.Data(), t.flatGrads[pos:])
	}
	return nil
}

// ReduceParameters applies fn to the flattened values of the model parameters. With an averaging
// fn, it makes all ranks of a data-parallel job start from the same parameters.
func (t *Trainer) ReduceParameters(ctx context.Context, fn GradientReduceFn) error {
	var values []float64
	params := t.model.Parameters()
	for _, p := range params {
		values = append(values, p.Value.Data()...)
	}
	if err := fn(ctx, values); err != nil {
		return errors.WithMessage(err, "reducing parameters")
	}
	pos := 0
	for _, p := range params {
		pos += copy(p.Value.Data(), values[pos:])
	}
	return nil
}
