// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/gomlx/trainkit/pkg/ml/context/checkpoints"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerturbVars(t *testing.T) {
	handler, err := checkpoints.Build(t.TempDir()).Done()
	require.NoError(t, err)
	sd := models.NewStateDict()
	values := tensors.FromShape(100, 100)
	values.Fill(1)
	sd.Set("test_var", values)
	path, err := handler.Save("model", sd, checkpoints.Metadata{Epoch: 7})
	require.NoError(t, err)

	const perturbAmount = 0.1
	require.NoError(t, perturbVars(path+checkpoints.JsonNameSuffix, perturbAmount, 1))

	perturbed, meta, err := checkpoints.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, meta.Epoch)
	var lowerCount, higherCount int
	data := perturbed.Get("test_var").Data()
	for _, v := range data {
		require.Greater(t, v, 1.0-perturbAmount)
		require.Less(t, v, 1.0+perturbAmount)
		if v < 1.0 {
			lowerCount++
		} else if v > 1.0 {
			higherCount++
		}
	}
	totalCount := len(data)
	// At least 99% of the values must have changed.
	require.Greater(t, lowerCount+higherCount, 99*totalCount/100)

	// The difference of values moving up and down < 10%.
	diffCount := lowerCount - higherCount
	if diffCount < 0 {
		diffCount = -diffCount
	}
	require.Less(t, diffCount, 10*totalCount/100)

	assert.Error(t, perturbVars(path, 1.5, 1))
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a"}, MinimalUniquePaths("a"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/runs/run1/model", "/runs/run2/model"))
	assert.Equal(t, []string{"best", "backup-5"}, MinimalUniquePaths("/models/best", "/models/backup-5"))
	assert.Equal(t, []string{"x...c", "y...d"}, MinimalUniquePaths("/x/a/c", "/y/a/d"))
}
