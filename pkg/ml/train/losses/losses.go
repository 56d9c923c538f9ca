// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have several standard losses, selected by name with ByName, that implement the
// Loss interface used by train.Trainer.
//
// All losses are reduced to the mean over the batch, and return the gradient of the reduced
// loss with respect to the predictions.
package losses

import (
	"math"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownLoss is returned by ByName for names that are not known.
	ErrUnknownLoss = errors.New("unknown loss")

	// ErrNotImplemented is returned for the placeholder custom loss.
	ErrNotImplemented = errors.New("loss not implemented")
)

// CustomLossName is the name of the placeholder custom loss.
const CustomLossName = "my_custom_loss"

// LossFn computes the mean loss of the predictions for the labels, and its gradient with respect
// to the predictions.
type LossFn func(predictions, labels *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error)

// Loss is a named LossFn.
type Loss interface {
	Name() string
	Forward(predictions, labels *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error)
}

type namedLoss struct {
	name string
	fn   LossFn
}

func (l *namedLoss) Name() string { return l.name }

func (l *namedLoss) Forward(predictions, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
	loss, grad, err := l.fn(predictions, labels)
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "loss %s", l.name)
	}
	return loss, grad, nil
}

// New returns a Loss with the given name and function.
func New(name string, fn LossFn) Loss {
	return &namedLoss{name: name, fn: fn}
}

// ByName returns the loss with the given name: "MSELoss", "L1Loss", "CrossEntropyLoss",
// "BCEWithLogitsLoss" or "HuberLoss".
//
// The custom loss "my_custom_loss" returns ErrNotImplemented, and any other name ErrUnknownLoss.
func ByName(name string) (Loss, error) {
	switch name {
	case "MSELoss":
		return New(name, MeanSquaredError), nil
	case "L1Loss":
		return New(name, MeanAbsoluteError), nil
	case "CrossEntropyLoss":
		return New(name, SparseCategoricalCrossEntropyLogits), nil
	case "BCEWithLogitsLoss":
		return New(name, BinaryCrossentropyLogits), nil
	case "HuberLoss":
		return New(name, MakeHuberLoss(1.0)), nil
	case CustomLossName:
		return nil, errors.Wrapf(ErrNotImplemented, "%s must be implemented", name)
	}
	return nil, errors.Wrapf(ErrUnknownLoss, "train/loss=%q", name)
}

// checkSameShape returns an error if predictions and labels are not of the same shape.
func checkSameShape(predictions, labels *tensors.Tensor) error {
	if !predictions.SameShape(labels) {
		return errors.Errorf("predictions shaped %v and labels shaped %v don't match",
			predictions.Dimensions(), labels.Dimensions())
	}
	if predictions.Size() == 0 {
		return errors.New("empty predictions")
	}
	return nil
}

// elementwise applies fn(prediction-label) to each element, returning the mean of the values and
// the gradients divided by the number of elements.
func elementwise(predictions, labels *tensors.Tensor, fn func(diff float64) (value, grad float64)) (float64, *tensors.Tensor, error) {
	if err := checkSameShape(predictions, labels); err != nil {
		return 0, nil, err
	}
	grad := tensors.FromShape(predictions.Dimensions()...)
	n := float64(predictions.Size())
	var total float64
	labelsData, gradData := labels.Data(), grad.Data()
	for ii, p := range predictions.Data() {
		value, g := fn(p - labelsData[ii])
		total += value
		gradData[ii] = g / n
	}
	return total / n, grad, nil
}

// MeanSquaredError returns the mean of the squared differences.
func MeanSquaredError(predictions, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
	return elementwise(predictions, labels, func(diff float64) (float64, float64) {
		return diff * diff, 2 * diff
	})
}

// MeanAbsoluteError returns the mean of the absolute differences.
func MeanAbsoluteError(predictions, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
	return elementwise(predictions, labels, func(diff float64) (float64, float64) {
		switch {
		case diff > 0:
			return diff, 1
		case diff < 0:
			return -diff, -1
		}
		return 0, 0
	})
}

// MakeHuberLoss returns a Huber loss: quadratic for differences smaller than delta, linear beyond.
func MakeHuberLoss(delta float64) LossFn {
	return func(predictions, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
		return elementwise(predictions, labels, func(diff float64) (float64, float64) {
			if math.Abs(diff) <= delta {
				return 0.5 * diff * diff, diff
			}
			return delta * (math.Abs(diff) - 0.5*delta), delta * math.Copysign(1, diff)
		})
	}
}

// BinaryCrossentropyLogits returns the binary cross-entropy of labels in {0, 1} (or probabilities)
// given the logits, computed in a numerically stable way.
func BinaryCrossentropyLogits(logits, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
	if err := checkSameShape(logits, labels); err != nil {
		return 0, nil, err
	}
	grad := tensors.FromShape(logits.Dimensions()...)
	n := float64(logits.Size())
	var total float64
	labelsData, gradData := labels.Data(), grad.Data()
	for ii, z := range logits.Data() {
		y := labelsData[ii]
		total += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		gradData[ii] = (sigmoid(z) - y) / n
	}
	return total / n, grad, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// SparseCategoricalCrossEntropyLogits returns the cross-entropy of logits shaped [batchSize, numClasses]
// for labels shaped [batchSize, 1] holding the class index of each example.
func SparseCategoricalCrossEntropyLogits(logits, labels *tensors.Tensor) (float64, *tensors.Tensor, error) {
	if logits.Rank() != 2 || labels.Rank() != 2 || labels.Dimensions()[1] != 1 ||
		labels.Dimensions()[0] != logits.Dimensions()[0] {
		return 0, nil, errors.Errorf("cross-entropy requires logits shaped [batch, classes] and labels shaped [batch, 1], got %v and %v",
			logits.Dimensions(), labels.Dimensions())
	}
	batchSize, numClasses := logits.Dimensions()[0], logits.Dimensions()[1]
	if batchSize == 0 {
		return 0, nil, errors.New("empty predictions")
	}
	grad := tensors.FromShape(batchSize, numClasses)
	var total float64
	for row := range batchSize {
		class := int(labels.At(row, 0))
		if class < 0 || class >= numClasses || float64(class) != labels.At(row, 0) {
			return 0, nil, errors.Errorf("label %g of example %d is not a class index in [0, %d)",
				labels.At(row, 0), row, numClasses)
		}
		z := logits.Row(row)
		maxZ := z[0]
		for _, v := range z[1:] {
			maxZ = max(maxZ, v)
		}
		var sumExp float64
		for _, v := range z {
			sumExp += math.Exp(v - maxZ)
		}
		logSumExp := maxZ + math.Log(sumExp)
		total += logSumExp - z[class]
		g := grad.Row(row)
		for c, v := range z {
			g[c] = math.Exp(v-logSumExp) / float64(batchSize)
		}
		g[class] -= 1 / float64(batchSize)
	}
	return total / float64(batchSize), grad, nil
}
