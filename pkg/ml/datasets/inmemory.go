// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/pkg/errors"
)

// InMemoryDataset holds all its examples in memory. It is safe for concurrent reads.
type InMemoryDataset struct {
	name string
	x, y [][]float64
}

// NewInMemory creates a dataset with the given features (x) and labels (y), one row per example.
// All rows of x (and of y) must have the same length.
func NewInMemory(name string, x, y [][]float64) (*InMemoryDataset, error) {
	if len(x) != len(y) {
		return nil, errors.Errorf("dataset %q: %d feature rows but %d label rows", name, len(x), len(y))
	}
	for ii := range x {
		if len(x[ii]) != len(x[0]) || len(y[ii]) != len(y[0]) {
			return nil, errors.Errorf("dataset %q: example #%d has %d features and %d labels, but example #0 has %d and %d",
				name, ii, len(x[ii]), len(y[ii]), len(x[0]), len(y[0]))
		}
	}
	return &InMemoryDataset{name: name, x: x, y: y}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.x) }

// Get implements Dataset.
func (ds *InMemoryDataset) Get(i int) (x, y []float64, err error) {
	if i < 0 || i >= len(ds.x) {
		return nil, nil, errors.Errorf("index %d out of range for dataset %q of length %d", i, ds.name, len(ds.x))
	}
	return ds.x[i], ds.y[i], nil
}

// Subset returns a dataset with the examples of the given indices, sharing the underlying rows.
func (ds *InMemoryDataset) Subset(name string, indices []int) *InMemoryDataset {
	sub := &InMemoryDataset{
		name: name,
		x:    make([][]float64, len(indices)),
		y:    make([][]float64, len(indices)),
	}
	for ii, idx := range indices {
		sub.x[ii] = ds.x[idx]
		sub.y[ii] = ds.y[idx]
	}
	return sub
}

// Split returns the subset of the given mode, using the configured fractions and seed.
func (ds *InMemoryDataset) Split(conf *config.Config, mode Mode) (*InMemoryDataset, error) {
	indices, err := splitIndices(ds.Len(), conf.Seed, conf.Dataset.ValidFraction, conf.Dataset.TestFraction, mode)
	if err != nil {
		return nil, err
	}
	return ds.Subset(fmt.Sprintf("%s-%s", ds.name, mode), indices), nil
}

// GenerateSynthetic generates numExamples examples with numFeatures features uniformly in [-1, 1).
//
// If numClasses == 0 the label is a linear function of the features plus gaussian noise, with weights
// drawn from the seed. Otherwise the label is the class index (as a float) with the largest linear
// score, one set of weights per class.
func GenerateSynthetic(numExamples, numFeatures, numClasses int, noise float64, seed int64) (*InMemoryDataset, error) {
	if numExamples <= 0 || numFeatures <= 0 {
		return nil, errors.Errorf("synthetic dataset requires num_examples > 0 and num_features > 0, got %d and %d",
			numExamples, numFeatures)
	}
	if numClasses == 1 || numClasses < 0 {
		return nil, errors.Errorf("synthetic dataset requires num_classes == 0 (regression) or >= 2, got %d", numClasses)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x73796e746865))
	numScores := max(numClasses, 1)
	weights := make([][]float64, numScores)
	bias := make([]float64, numScores)
	for c := range numScores {
		weights[c] = make([]float64, numFeatures)
		for f := range numFeatures {
			weights[c][f] = 2*rng.Float64() - 1
		}
		bias[c] = rng.Float64() - 0.5
	}

	x := make([][]float64, numExamples)
	y := make([][]float64, numExamples)
	for ii := range numExamples {
		x[ii] = make([]float64, numFeatures)
		for f := range numFeatures {
			x[ii][f] = 2*rng.Float64() - 1
		}
		bestClass, bestScore := 0, 0.0
		for c := range numScores {
			score := bias[c]
			for f, w := range weights[c] {
				score += w * x[ii][f]
			}
			if c == 0 || score > bestScore {
				bestClass, bestScore = c, score
			}
		}
		if numClasses == 0 {
			y[ii] = []float64{bestScore + noise*rng.NormFloat64()}
		} else {
			y[ii] = []float64{float64(bestClass)}
		}
	}
	name := "synthetic-regression"
	if numClasses > 0 {
		name = fmt.Sprintf("synthetic-%d-classes", numClasses)
	}
	return NewInMemory(name, x, y)
}

// NewSynthetic implements Constructor for the "synthetic" dataset.
func NewSynthetic(conf *config.Config, mode Mode) (Dataset, error) {
	ds, err := GenerateSynthetic(conf.Dataset.NumExamples, conf.Dataset.NumFeatures, conf.Dataset.NumClasses,
		conf.Dataset.Noise, conf.Seed)
	if err != nil {
		return nil, err
	}
	return ds.Split(conf, mode)
}
