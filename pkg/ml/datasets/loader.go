// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"iter"
	"sync"

	"github.com/gomlx/trainkit/internal/workerspool"
	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch of examples: X is shaped [batchSize, numFeatures] and Y [batchSize, numLabels].
type Batch struct {
	X, Y *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return b.X.NumRows() }

// LoaderOptions configure a DataLoader.
type LoaderOptions struct {
	// Shuffle the examples every epoch. Ignored if a Sampler is given: the sampler decides the order.
	Shuffle bool

	// DropLast drops the last batch of the epoch if it is incomplete.
	DropLast bool

	// NumWorkers is the number of batches assembled in parallel. 0 assembles them inline.
	NumWorkers int

	// Sampler splits the examples across ranks. Optional.
	Sampler *DistributedSampler

	// Seed for the shuffling.
	Seed int64
}

// DataLoader iterates over a Dataset in batches.
//
// It is not safe to iterate over the same DataLoader concurrently.
type DataLoader struct {
	ds        Dataset
	batchSize int
	opts      LoaderOptions
	pool      *workerspool.Pool
	epoch     int
}

// NewDataLoader creates a DataLoader over ds.
func NewDataLoader(ds Dataset, batchSize int, opts LoaderOptions) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("DataLoader requires batchSize > 0, got %d", batchSize)
	}
	return &DataLoader{
		ds:        ds,
		batchSize: batchSize,
		opts:      opts,
		pool:      workerspool.New(opts.NumWorkers),
	}, nil
}

// Dataset returns the underlying dataset.
func (l *DataLoader) Dataset() Dataset { return l.ds }

// Sampler returns the DistributedSampler, or nil if there is none.
func (l *DataLoader) Sampler() *DistributedSampler { return l.opts.Sampler }

// BatchSize returns the configured batch size.
func (l *DataLoader) BatchSize() int { return l.batchSize }

// SetEpoch sets the epoch used to seed shuffling, also in the sampler if there is one.
func (l *DataLoader) SetEpoch(epoch int) {
	l.epoch = epoch
	if l.opts.Sampler != nil {
		l.opts.Sampler.SetEpoch(epoch)
	}
}

// NumExamples returns the number of examples seen in one epoch by this loader (this rank, if using a sampler).
func (l *DataLoader) NumExamples() int {
	if l.opts.Sampler != nil {
		return l.opts.Sampler.NumSamples(l.ds.Len())
	}
	return l.ds.Len()
}

// Len returns the number of batches in one epoch.
func (l *DataLoader) Len() int {
	n := l.NumExamples()
	if l.opts.DropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// indices returns the order of the examples for the current epoch.
func (l *DataLoader) indices() []int {
	n := l.ds.Len()
	if l.opts.Sampler != nil {
		return l.opts.Sampler.Indices(n)
	}
	if l.opts.Shuffle {
		return epochPermutation(n, l.opts.Seed, l.epoch)
	}
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	return order
}

// Batches returns an iterator over the batches of the current epoch, in order.
//
// Up to NumWorkers batches are assembled in parallel ahead of being yielded.
// The iteration stops at the first error (yielded with a nil batch), or if ctx is cancelled.
func (l *DataLoader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		indices := l.indices()
		numBatches := l.Len()
		window := max(l.pool.MaxParallelism(), 1)
		for start := 0; start < numBatches; start += window {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Wrap(err, "DataLoader interrupted"))
				return
			}
			end := min(start+window, numBatches)
			batches := make([]*Batch, end-start)
			errs := make([]error, end-start)
			var wg sync.WaitGroup
			for batchIdx := start; batchIdx < end; batchIdx++ {
				first := batchIdx * l.batchSize
				last := min(first+l.batchSize, len(indices))
				wg.Add(1)
				l.pool.WaitToStart(func() {
					defer wg.Done()
					batches[batchIdx-start], errs[batchIdx-start] = l.assemble(indices[first:last])
				})
			}
			wg.Wait()
			for ii, batch := range batches {
				if errs[ii] != nil {
					yield(nil, errors.WithMessagef(errs[ii], "batch #%d of dataset %q", start+ii, l.ds.Name()))
					return
				}
				if !yield(batch, nil) {
					return
				}
			}
		}
		klog.V(2).Infof("DataLoader(%q): epoch %d finished, %d batches", l.ds.Name(), l.epoch, numBatches)
	}
}

// assemble the examples of the given indices into a Batch.
func (l *DataLoader) assemble(indices []int) (*Batch, error) {
	var xData, yData []float64
	var numFeatures, numLabels int
	for ii, idx := range indices {
		x, y, err := l.ds.Get(idx)
		if err != nil {
			return nil, err
		}
		if ii == 0 {
			numFeatures, numLabels = len(x), len(y)
			xData = make([]float64, 0, len(indices)*numFeatures)
			yData = make([]float64, 0, len(indices)*numLabels)
		} else if len(x) != numFeatures || len(y) != numLabels {
			return nil, errors.Errorf("example %d has %d features and %d labels, expected %d and %d",
				idx, len(x), len(y), numFeatures, numLabels)
		}
		xData = append(xData, x...)
		yData = append(yData, y...)
	}
	return &Batch{
		X: tensors.FromFlatDataAndDimensions(xData, len(indices), numFeatures),
		Y: tensors.FromFlatDataAndDimensions(yData, len(indices), numLabels),
	}, nil
}

// Loaders holds the data loaders of the three splits. Valid and Test may be nil.
type Loaders struct {
	Train, Valid, Test *DataLoader
}

// GetLoaders creates the train, valid (if dataset/valid_fraction > 0) and test (if dataset/test_fraction > 0)
// loaders for the given rank.
//
// With env/use_data_parallel, each loader uses a DistributedSampler: the training one shuffles, the
// others don't. Otherwise only the training loader shuffles. The test loader always drops the last
// incomplete batch.
func GetLoaders(conf *config.Config, rank int) (*Loaders, error) {
	build := func(mode Mode, shuffle, dropLast bool) (*DataLoader, error) {
		ds, err := New(conf, mode)
		if err != nil {
			return nil, err
		}
		opts := LoaderOptions{
			Shuffle:    shuffle,
			DropLast:   dropLast,
			NumWorkers: conf.DataLoader.NumWorkers,
			Seed:       conf.Seed,
		}
		if conf.Env.UseDataParallel {
			opts.Sampler, err = NewDistributedSampler(conf.Env.WorldSize, rank, shuffle, conf.Seed)
			if err != nil {
				return nil, err
			}
		}
		return NewDataLoader(ds, conf.Train.BatchSize, opts)
	}

	var loaders Loaders
	var err error
	if loaders.Train, err = build(ModeTrain, true, conf.DataLoader.DropLast); err != nil {
		return nil, err
	}
	if conf.Dataset.ValidFraction > 0 {
		if loaders.Valid, err = build(ModeValid, false, conf.DataLoader.DropLast); err != nil {
			return nil, err
		}
	}
	if conf.Dataset.TestFraction > 0 {
		if loaders.Test, err = build(ModeTest, false, true); err != nil {
			return nil, err
		}
	}
	return &loaders, nil
}
