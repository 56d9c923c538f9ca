// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// KeyValueStore is the subset of the distributed store used to exchange logs between ranks.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
}

// Modes of the logs, used in the store keys.
const (
	TrainMode = "train"
	ValidMode = "valid"
)

// LogKey returns the store key of a metric of the given mode and rank: "<metric>:<mode>-<rank>".
func LogKey(metric, mode string, rank int) string {
	return fmt.Sprintf("%s:%s-%d", metric, mode, rank)
}

// SaveLogsInStore writes the train and valid logs of rank to the store, under the keys given by LogKey.
func SaveLogsInStore(ctx context.Context, store KeyValueStore, rank int, trainLogs, validLogs Logs) error {
	for _, part := range []struct {
		mode string
		logs Logs
	}{{TrainMode, trainLogs}, {ValidMode, validLogs}} {
		for _, key := range part.logs.Keys() {
			value := strconv.FormatFloat(part.logs[key], 'g', -1, 64)
			if err := store.Set(ctx, LogKey(key, part.mode, rank), value); err != nil {
				return errors.WithMessagef(err, "saving %s logs of rank %d", part.mode, rank)
			}
		}
	}
	return nil
}

// CalculateAverageLogs reads the logs of all ranks from the store and returns their averages.
// The keys are those of the given trainLogs and validLogs (usually the ones of the calling rank),
// which are not modified.
func CalculateAverageLogs(ctx context.Context, store KeyValueStore, worldSize int, trainLogs, validLogs Logs) (avgTrain, avgValid Logs, err error) {
	average := func(mode string, logs Logs) (Logs, error) {
		avg := make(Logs, len(logs))
		for _, key := range logs.Keys() {
			sum := 0.0
			for rank := range worldSize {
				storeKey := LogKey(key, mode, rank)
				value, err := store.Get(ctx, storeKey)
				if err != nil {
					return nil, errors.WithMessagef(err, "reading %q", storeKey)
				}
				v, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid value for %q", storeKey)
				}
				sum += v
			}
			avg[key] = sum / float64(worldSize)
		}
		return avg, nil
	}
	if worldSize < 1 {
		return nil, nil, errors.Errorf("CalculateAverageLogs requires worldSize >= 1, got %d", worldSize)
	}
	if avgTrain, err = average(TrainMode, trainLogs); err != nil {
		return nil, nil, err
	}
	if avgValid, err = average(ValidMode, validLogs); err != nil {
		return nil, nil, err
	}
	return avgTrain, avgValid, nil
}
