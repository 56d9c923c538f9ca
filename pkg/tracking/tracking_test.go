// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRunName(t *testing.T) {
	a, b := NewRunName(), NewRunName()
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.Split(a, "-"), 3)
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	run, err := NewLocal(dir, "trainkit")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "trainkit", run.RunName()), run.Dir())

	require.NoError(t, run.LogConfig(map[string]any{"optimizer/lr": 0.01, "train/loss": "MSELoss"}))
	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, run.Log(epoch, map[string]float64{
			"epoch":         float64(epoch),
			"loss train":    1 / float64(epoch),
			"loss valid":    2 / float64(epoch),
			"learning rate": 0.01,
		}))
	}
	require.NoError(t, run.Log(4, map[string]float64{"loss train": math.NaN()}))

	src := filepath.Join(t.TempDir(), "best.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0o644))
	require.NoError(t, run.SaveFile(src))
	assert.FileExists(t, filepath.Join(run.Dir(), FilesDir, "best.json"))
	assert.Error(t, run.SaveFile(filepath.Join(t.TempDir(), "missing")))

	require.NoError(t, run.Finish())
	require.NoError(t, run.Finish())
	assert.Error(t, run.Log(5, map[string]float64{"x": 1}))

	contents, err := os.ReadFile(filepath.Join(run.Dir(), ConfigFileName))
	require.NoError(t, err)
	var conf map[string]any
	require.NoError(t, yaml.Unmarshal(contents, &conf))
	assert.Equal(t, "MSELoss", conf["train/loss"])

	points, err := LoadPoints(filepath.Join(run.Dir(), MetricsFileName))
	require.NoError(t, err)
	assert.Len(t, points, 12)
	assert.Equal(t, Point{Name: "epoch", MetricType: "epoch", Step: 1, Value: 1}, points[0])

	fi, err := os.Stat(filepath.Join(run.Dir(), PlotFileName))
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	_, err = NewLocal(dir, "")
	assert.Error(t, err)
}

func TestPoints(t *testing.T) {
	points := NewPoints([]Point{
		NewPoint("loss valid", 2, 0.5),
		NewPoint("loss train", 1, 1.0),
		NewPoint("mae train", 1, 0.7),
		NewPoint("loss valid", 1, 0.9),
	})
	assert.Equal(t, []int{1, 2}, points.Steps())
	assert.Equal(t, []string{"loss train", "loss valid", "mae train"}, points.MetricsNames())
	steps, values := points.Series("loss valid")
	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, []float64{0.9, 0.5}, values)

	table := points.TableForMetrics("loss valid")
	assert.Contains(t, table, "loss valid")
	assert.Contains(t, table, "0.9")
	assert.NotContains(t, table, "mae train")
	assert.Contains(t, points.String(), "mae train")
}

func TestNoop(t *testing.T) {
	var tracker Tracker = Noop{}
	assert.Empty(t, tracker.RunName())
	assert.NoError(t, tracker.Log(1, map[string]float64{"loss": 1}))
	assert.NoError(t, tracker.Finish())
}
