// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is an in-memory KeyValueStore.
type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *mapStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *mapStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.data[key]
	if !found {
		return "", errors.Errorf("key %q not found", key)
	}
	return v, nil
}

func TestLogsInStore(t *testing.T) {
	ctx := context.Background()
	store := &mapStore{data: make(map[string]string)}
	require.NoError(t, SaveLogsInStore(ctx, store, 0, Logs{"loss": 1, "mae": 0.5}, Logs{"loss": 2}))
	require.NoError(t, SaveLogsInStore(ctx, store, 1, Logs{"loss": 3, "mae": 1.5}, Logs{"loss": 0.1}))
	assert.Equal(t, "1", store.data["loss:train-0"])
	assert.Equal(t, "0.1", store.data["loss:valid-1"])
	assert.Equal(t, "loss:valid-1", LogKey("loss", ValidMode, 1))

	trainLogs := Logs{"loss": 1, "mae": 0.5}
	avgTrain, avgValid, err := CalculateAverageLogs(ctx, store, 2, trainLogs, Logs{"loss": 2})
	require.NoError(t, err)
	assert.Equal(t, Logs{"loss": 2, "mae": 1}, avgTrain)
	assert.InDelta(t, 1.05, avgValid["loss"], 1e-12)
	assert.Equal(t, Logs{"loss": 1, "mae": 0.5}, trainLogs, "input logs are not modified")

	// Missing rank.
	_, _, err = CalculateAverageLogs(ctx, store, 3, trainLogs, Logs{})
	assert.Error(t, err)
	_, _, err = CalculateAverageLogs(ctx, store, 0, trainLogs, Logs{})
	assert.Error(t, err)
}
