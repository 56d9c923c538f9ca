// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	defaults := Options{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: 29500}
	t.Setenv(EnvRank, "")
	_, ok, err := FromEnv(defaults)
	assert.Error(t, err, "empty RANK is invalid")
	assert.False(t, ok)

	t.Setenv(EnvRank, "1")
	t.Setenv(EnvWorldSize, "4")
	t.Setenv(EnvMasterAddr, "10.0.0.1")
	t.Setenv(EnvMasterPort, "1234")
	opts, ok, err := FromEnv(defaults)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Options{Rank: 1, WorldSize: 4, MasterAddr: "10.0.0.1", MasterPort: 1234}, opts)

	t.Setenv(EnvRank, "0")
	opts, _, err = FromEnv(defaults)
	require.NoError(t, err)
	assert.True(t, opts.StartServer)

	t.Setenv(EnvRank, "4")
	_, _, err = FromEnv(defaults)
	assert.Error(t, err)
}

func TestSpawnBarrierAllReduce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	const worldSize = 3
	var arrived atomic.Int32
	results := make([][]float64, worldSize)
	err := Spawn(ctx, worldSize, "127.0.0.1", 0, func(ctx context.Context, pg *ProcessGroup) error {
		assert.Equal(t, worldSize, pg.WorldSize())
		assert.Equal(t, pg.Rank() == 0, pg.IsLeader())
		arrived.Add(1)
		if err := pg.Barrier(ctx); err != nil {
			return err
		}
		// After the barrier all ranks have arrived.
		assert.Equal(t, int32(worldSize), arrived.Load())

		values := []float64{float64(pg.Rank()), 1}
		for range 3 {
			if err := pg.AllReduceMean(ctx, values); err != nil {
				return err
			}
		}
		results[pg.Rank()] = values
		return pg.Barrier(ctx)
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, []float64{1, 1}, r)
	}
}

func TestAllReduceLargePayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const worldSize, numValues = 2, 50_000
	results := make([][]float64, worldSize)
	err := Spawn(ctx, worldSize, "127.0.0.1", 0, func(ctx context.Context, pg *ProcessGroup) error {
		values := make([]float64, numValues)
		for ii := range values {
			values[ii] = float64(pg.Rank()) + 0.123456789
		}
		if err := pg.AllReduceMean(ctx, values); err != nil {
			return err
		}
		results[pg.Rank()] = values
		return pg.Barrier(ctx)
	})
	require.NoError(t, err)
	for _, r := range results {
		require.Len(t, r, numValues)
		assert.InDelta(t, 0.623456789, r[0], 1e-12)
		assert.InDelta(t, 0.623456789, r[numValues-1], 1e-12)
	}
}

func TestBarrierKeysAreReleased(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const worldSize = 2
	numKeys := make([]int, worldSize)
	err := Spawn(ctx, worldSize, "127.0.0.1", 0, func(ctx context.Context, pg *ProcessGroup) error {
		for range 20 {
			if err := pg.Barrier(ctx); err != nil {
				return err
			}
		}
		n, err := pg.Store().NumKeys(ctx)
		if err != nil {
			return err
		}
		numKeys[pg.Rank()] = n
		return pg.Barrier(ctx)
	})
	require.NoError(t, err)
	for _, n := range numKeys {
		// Besides the join keys, only the barriers around the last one may be left.
		assert.Less(t, n, 10)
	}
}

func TestSpawnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	failure := errors.New("failed")
	err := Spawn(ctx, 2, "127.0.0.1", 0, func(ctx context.Context, pg *ProcessGroup) error {
		if pg.Rank() == 1 {
			return failure
		}
		// Rank 0 waits for rank 1, which never arrives: the context gets cancelled.
		return pg.Barrier(ctx)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure))

	assert.Error(t, Spawn(ctx, 0, "127.0.0.1", 0, nil))
}
