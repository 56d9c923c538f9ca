// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDatasetNotImplemented(t *testing.T) {
	conf := config.Default()
	conf.Dataset.Name = "base"
	_, err := New(conf, ModeTrain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	conf.Dataset.Name = "unknown"
	_, err = New(conf, ModeTrain)
	assert.ErrorContains(t, err, "unknown dataset")
}

func TestSyntheticSplits(t *testing.T) {
	conf := config.Default()
	conf.Dataset.NumExamples = 100
	conf.Dataset.ValidFraction = 0.2
	conf.Dataset.TestFraction = 0.1
	seen := make(map[string]int)
	total := 0
	for _, mode := range []Mode{ModeTrain, ModeValid, ModeTest} {
		ds, err := New(conf, mode)
		require.NoError(t, err)
		total += ds.Len()
		for ii := range ds.Len() {
			x, y, err := ds.Get(ii)
			require.NoError(t, err)
			require.Len(t, x, conf.Dataset.NumFeatures)
			require.Len(t, y, 1)
			seen[fmt.Sprint(x)]++
		}
	}
	assert.Equal(t, 100, total)
	for key, count := range seen {
		assert.Equal(t, 1, count, "example %s in more than one split", key)
	}

	train, err := New(conf, ModeTrain)
	require.NoError(t, err)
	assert.Equal(t, 70, train.Len())
	_, _, err = train.Get(70)
	assert.Error(t, err)
}

func TestSyntheticClassification(t *testing.T) {
	ds, err := GenerateSynthetic(200, 3, 4, 0, 1)
	require.NoError(t, err)
	classes := make(map[float64]bool)
	for ii := range ds.Len() {
		_, y, err := ds.Get(ii)
		require.NoError(t, err)
		classes[y[0]] = true
	}
	for c := range classes {
		assert.True(t, c >= 0 && c < 4)
	}
	assert.Greater(t, len(classes), 1)

	_, err = GenerateSynthetic(10, 3, 1, 0, 1)
	assert.Error(t, err)
}

func TestAugmentation(t *testing.T) {
	base, err := NewInMemory("test", [][]float64{{1, 2}}, [][]float64{{3}})
	require.NoError(t, err)
	ds := WithAugmentation(base, GaussianNoise(0.5, 7))
	x, y, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, y)
	assert.NotEqual(t, []float64{1, 2}, x)
	orig, _, _ := base.Get(0)
	assert.Equal(t, []float64{1, 2}, orig, "augmentation must not modify the original example")
}

func TestTake(t *testing.T) {
	base, err := GenerateSynthetic(10, 2, 0, 0, 1)
	require.NoError(t, err)
	ds := Take(base, 3)
	assert.Equal(t, 3, ds.Len())
	_, _, err = ds.Get(3)
	assert.Error(t, err)
	assert.Equal(t, 10, Take(base, 100).Len())
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,target\n1,2,3\n4,5,9\n7,8,15\n"), 0o644))
	ds, err := LoadCSV(path, nil, "target")
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	x, y, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, x)
	assert.Equal(t, []float64{9}, y)

	ds, err = LoadCSV(path, []string{"b"}, "target")
	require.NoError(t, err)
	x, _, err = ds.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{8}, x)

	_, err = LoadCSV(path, nil, "missing")
	assert.Error(t, err)
	_, err = LoadCSV(path, []string{"c"}, "target")
	assert.Error(t, err)
	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), nil, "target")
	assert.Error(t, err)
}

func TestDistributedSampler(t *testing.T) {
	const n, numReplicas = 10, 3
	var all []int
	for rank := range numReplicas {
		s, err := NewDistributedSampler(numReplicas, rank, true, 42)
		require.NoError(t, err)
		s.SetEpoch(1)
		indices := s.Indices(n)
		assert.Len(t, indices, 4) // ceil(10/3)
		all = append(all, indices...)
	}
	// Every index appears at least once; padding repeats exactly 2 of them.
	counts := make(map[int]int)
	for _, idx := range all {
		counts[idx]++
	}
	assert.Len(t, counts, n)
	repeated := 0
	for _, c := range counts {
		repeated += c - 1
	}
	assert.Equal(t, 12-n, repeated)

	// Same permutation for the same epoch, different across epochs.
	s, _ := NewDistributedSampler(numReplicas, 0, true, 42)
	s.SetEpoch(1)
	first := s.Indices(100)
	assert.Equal(t, first, s.Indices(100))
	s.SetEpoch(2)
	assert.NotEqual(t, first, s.Indices(100))

	// No shuffle: rank r takes r, r+R, ...
	s, _ = NewDistributedSampler(numReplicas, 1, false, 42)
	assert.Equal(t, []int{1, 4, 7, 0}, s.Indices(n))

	_, err := NewDistributedSampler(2, 2, false, 0)
	assert.Error(t, err)
}

func TestDataLoader(t *testing.T) {
	base, err := GenerateSynthetic(10, 2, 0, 0, 1)
	require.NoError(t, err)
	for _, numWorkers := range []int{0, 1, 3} {
		loader, err := NewDataLoader(base, 4, LoaderOptions{NumWorkers: numWorkers})
		require.NoError(t, err)
		assert.Equal(t, 3, loader.Len())
		var sizes []int
		row := 0
		for batch, err := range loader.Batches(context.Background()) {
			require.NoError(t, err)
			sizes = append(sizes, batch.Size())
			assert.Equal(t, []int{batch.Size(), 2}, batch.X.Dimensions())
			assert.Equal(t, []int{batch.Size(), 1}, batch.Y.Dimensions())
			for ii := range batch.Size() {
				x, _, _ := base.Get(row)
				assert.Equal(t, x, batch.X.Row(ii), "batches must be yielded in order")
				row++
			}
		}
		assert.Equal(t, []int{4, 4, 2}, sizes)
	}

	loader, err := NewDataLoader(base, 4, LoaderOptions{DropLast: true, Shuffle: true, NumWorkers: 2, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, loader.Len())
	count := 0
	for _, err := range loader.Batches(context.Background()) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)

	_, err = NewDataLoader(base, 0, LoaderOptions{})
	assert.Error(t, err)
}

func TestDataLoaderCancelled(t *testing.T) {
	base, err := GenerateSynthetic(10, 2, 0, 0, 1)
	require.NoError(t, err)
	loader, err := NewDataLoader(base, 2, LoaderOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for batch, err := range loader.Batches(ctx) {
		assert.Nil(t, batch)
		assert.Error(t, err)
	}
}

func TestGetLoaders(t *testing.T) {
	conf := config.Default()
	conf.Dataset.NumExamples = 100
	conf.Dataset.TestFraction = 0.1
	conf.Train.BatchSize = 8
	conf.Finalize()
	loaders, err := GetLoaders(conf, 0)
	require.NoError(t, err)
	assert.Nil(t, loaders.Train.Sampler())
	assert.Equal(t, 70, loaders.Train.NumExamples())
	assert.Equal(t, 9, loaders.Train.Len())
	assert.Equal(t, 1, loaders.Test.Len(), "test loader drops the last incomplete batch")

	conf.Env.WorldSize = 2
	conf.Finalize()
	var trainIndices []int
	for rank := range 2 {
		loaders, err = GetLoaders(conf, rank)
		require.NoError(t, err)
		require.NotNil(t, loaders.Train.Sampler())
		assert.Equal(t, 35, loaders.Train.NumExamples())
		loaders.Train.SetEpoch(3)
		trainIndices = append(trainIndices, loaders.Train.Sampler().Indices(loaders.Train.Dataset().Len())...)
	}
	slices.Sort(trainIndices)
	assert.Equal(t, 70, len(slices.Compact(trainIndices)))

	conf.Dataset.TestFraction = 0
	loaders, err = GetLoaders(conf, 0)
	require.NoError(t, err)
	assert.Nil(t, loaders.Test)
	require.NotNil(t, loaders.Valid)

	conf.Dataset.ValidFraction = 0
	loaders, err = GetLoaders(conf, 0)
	require.NoError(t, err)
	assert.Nil(t, loaders.Valid)
	assert.Equal(t, 50, loaders.Train.NumExamples(), "all examples are used for training")
}
