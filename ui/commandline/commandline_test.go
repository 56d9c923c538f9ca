// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"context"
	"flag"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/trainkit/pkg/config"
	"github.com/gomlx/trainkit/pkg/ml/datasets"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/gomlx/trainkit/pkg/ml/train"
	"github.com/gomlx/trainkit/pkg/ml/train/losses"
	"github.com/gomlx/trainkit/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsFlag(t *testing.T) {
	conf := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	settings := CreateSettingsFlag(fs, conf, "")
	usage := fs.Lookup("set").Usage
	assert.Contains(t, usage, `"optimizer/lr": default value is 0.001`)
	assert.Contains(t, usage, `"train/loss": default value is MSELoss`)

	require.NoError(t, fs.Parse([]string{"-set", "optimizer/lr=0.01;train/batch_size=1_024;train/batch_size=64"}))
	paramsSet, err := conf.ApplySettings(*settings)
	require.NoError(t, err)
	assert.Equal(t, 0.01, conf.Optimizer.LR)
	assert.Equal(t, 64, conf.Train.BatchSize)

	modified := SprintModifiedSettings(conf, paramsSet)
	assert.Equal(t, "\t\"optimizer/lr\": (float64) 0.01\n\t\"train/batch_size\": (int) 64", modified)
	assert.Contains(t, SprintSettings(conf), `"model/name": (string) linear`)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "15.00ms", FormatDuration(15*time.Millisecond))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3400*time.Millisecond))
}

func TestReportResult(t *testing.T) {
	var buf bytes.Buffer
	err := ReportResult(&buf, &train.Result{
		BestLoss:       0.125,
		BestEpoch:      3,
		Epochs:         5,
		BestCheckpoint: "/tmp/models/tsc_acf",
		StopReason:     "early stopping",
		TrainLogs:      train.Logs{"loss": 0.1, "mae": 0.2},
		ValidLogs:      train.Logs{"loss": 0.125, "mae": 0.25},
	})
	require.NoError(t, err)
	out := buf.String()
	for _, want := range []string{"Best epoch", "0.125", "/tmp/models/tsc_acf", "early stopping", "Train", "Valid", "mae"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "Test", "no test logs")

	buf.Reset()
	require.NoError(t, ReportResult(&buf, &train.Result{BestLoss: math.Inf(1), Epochs: 2}))
	assert.NotContains(t, buf.String(), "Best epoch")
}

func TestProgressBar(t *testing.T) {
	ds, err := datasets.GenerateSynthetic(32, 2, 0, 0, 1)
	require.NoError(t, err)
	loader, err := datasets.NewDataLoader(ds, 8, datasets.LoaderOptions{})
	require.NoError(t, err)
	model, err := models.NewLinear(2, 1, 1)
	require.NoError(t, err)
	loss, err := losses.ByName("MSELoss")
	require.NoError(t, err)
	trainer := train.NewTrainer(model, loss, optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done())
	loop := train.NewLoop(trainer)

	var buf bytes.Buffer
	extraCalls := 0
	AttachProgressBarTo(loop, &buf, func() (name, value string) {
		extraCalls++
		return "Extra", "42"
	})
	require.NoError(t, loop.RunEpochs(context.Background(), loader, loader, 2))
	out := buf.String()
	assert.Contains(t, out, "Global Step")
	assert.Contains(t, out, "8 of 8")
	assert.Contains(t, out, "Valid loss")
	assert.True(t, strings.Contains(out, "Extra") && extraCalls >= 2)
}
