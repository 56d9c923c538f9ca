// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements the datasets used for training, and the DataLoader that
// batches them: optionally shuffled, split across ranks with a DistributedSampler, and
// assembled in parallel.
//
// Datasets are created by name with New:
//
//   - "base": placeholder for a user dataset, it returns ErrNotImplemented.
//   - "synthetic" (or "memory"): deterministic generated data, for regression (dataset.num_classes == 0)
//     or classification.
//   - "csv": a CSV file with a header, loaded with a dataframe.
package datasets

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned when a placeholder dataset is selected.
var ErrNotImplemented = errors.New("dataset not implemented")

// Mode selects the split of a dataset.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeValid Mode = "valid"
	ModeTest  Mode = "test"
)

// Dataset is a random-access collection of examples.
//
// Get must be safe for concurrent calls, the DataLoader assembles batches in parallel.
type Dataset interface {
	// Name of the dataset, used for logging.
	Name() string

	// Len returns the number of examples.
	Len() int

	// Get returns the features and labels of example i, 0 <= i < Len().
	Get(i int) (x, y []float64, err error)
}

// Constructor creates the dataset split for the given mode.
type Constructor func(conf *config.Config, mode Mode) (Dataset, error)

var (
	muRegistry sync.Mutex
	registry   = map[string]Constructor{
		"base":      newBaseDataset,
		"synthetic": NewSynthetic,
		"memory":    NewSynthetic,
		"csv":       NewCSV,
	}
)

// Register a dataset constructor under name, replacing any previous one.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = constructor
}

// New creates the dataset configured in conf.Dataset.Name for the given mode.
// In ModeTrain the configured augmentation (dataset.augment_noise) is applied.
func New(conf *config.Config, mode Mode) (Dataset, error) {
	muRegistry.Lock()
	constructor, found := registry[conf.Dataset.Name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown dataset %q", conf.Dataset.Name)
	}
	ds, err := constructor(conf, mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q (%s)", conf.Dataset.Name, mode)
	}
	if mode == ModeTrain && conf.Dataset.AugmentNoise > 0 {
		ds = WithAugmentation(ds, GaussianNoise(conf.Dataset.AugmentNoise, conf.Seed))
	}
	return ds, nil
}

// newBaseDataset is the placeholder for a user provided dataset.
func newBaseDataset(_ *config.Config, mode Mode) (Dataset, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "base dataset (mode %s) must be implemented", mode)
}

// Augmentation transforms one example. It must not modify its inputs in place, and must be safe
// for concurrent use.
type Augmentation func(x, y []float64) ([]float64, []float64)

type augmentedDataset struct {
	Dataset
	augment Augmentation
}

// WithAugmentation returns a Dataset that applies augment to every example of ds.
func WithAugmentation(ds Dataset, augment Augmentation) Dataset {
	return &augmentedDataset{Dataset: ds, augment: augment}
}

// Name implements Dataset.
func (ds *augmentedDataset) Name() string {
	return ds.Dataset.Name() + " [augmented]"
}

// Get implements Dataset.
func (ds *augmentedDataset) Get(i int) (x, y []float64, err error) {
	x, y, err = ds.Dataset.Get(i)
	if err != nil {
		return
	}
	x, y = ds.augment(x, y)
	return
}

// GaussianNoise returns an Augmentation that adds gaussian noise with the given standard deviation
// to the features.
func GaussianNoise(stddev float64, seed int64) Augmentation {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6175676d656e74))
	return func(x, y []float64) ([]float64, []float64) {
		noisy := make([]float64, len(x))
		mu.Lock()
		for ii, v := range x {
			noisy[ii] = v + stddev*rng.NormFloat64()
		}
		mu.Unlock()
		return noisy, y
	}
}

type takeDataset struct {
	ds   Dataset
	take int
}

// Take returns a wrapper to ds that only exposes its first n examples.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{ds: ds, take: min(n, ds.Len())}
}

// Name implements Dataset.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Len implements Dataset.
func (ds *takeDataset) Len() int { return ds.take }

// Get implements Dataset.
func (ds *takeDataset) Get(i int) (x, y []float64, err error) {
	if i < 0 || i >= ds.take {
		return nil, nil, errors.Errorf("index %d out of range for dataset %q of length %d", i, ds.Name(), ds.take)
	}
	return ds.ds.Get(i)
}

// splitSizes returns the number of train, valid and test examples for a dataset of n examples.
func splitSizes(n int, validFraction, testFraction float64) (numTrain, numValid, numTest int) {
	numValid = int(math.Round(float64(n) * validFraction))
	numTest = int(math.Round(float64(n) * testFraction))
	numTrain = max(n-numValid-numTest, 0)
	return
}

// splitIndices returns the indices of the examples of the given mode, using a permutation seeded by seed.
func splitIndices(n int, seed int64, validFraction, testFraction float64, mode Mode) ([]int, error) {
	numTrain, numValid, _ := splitSizes(n, validFraction, testFraction)
	perm := rand.New(rand.NewPCG(uint64(seed), uint64(n))).Perm(n)
	switch mode {
	case ModeTrain:
		return perm[:numTrain], nil
	case ModeValid:
		return perm[numTrain : numTrain+numValid], nil
	case ModeTest:
		return perm[numTrain+numValid:], nil
	}
	return nil, errors.Errorf("unknown dataset mode %q", mode)
}
