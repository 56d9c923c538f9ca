// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateDict(scale float64) *models.StateDict {
	sd := models.NewStateDict()
	sd.Set("linear/weights", tensors.FromFlatDataAndDimensions([]float64{1 * scale, -2 * scale, 3.5 * scale}, 3, 1))
	sd.Set("linear/bias", tensors.FromFlatDataAndDimensions([]float64{0.25 * scale}, 1, 1))
	return sd
}

func TestSaveLoad(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "models")
			handler, err := Build(dir).WithCompression(bf).Done()
			require.NoError(t, err)
			path, err := handler.Save("best", testStateDict(1), Metadata{
				Epoch:   3,
				Metrics: map[string]float64{"loss valid": 0.5},
			})
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(path))
			jsonPath, binPath := Files(path)
			assert.FileExists(t, jsonPath)
			assert.FileExists(t, binPath)

			contents, err := os.ReadFile(binPath)
			require.NoError(t, err)
			if bf == BinGZIP {
				assert.Equal(t, binHeader, string(contents[:lenBinHeader]))
			} else {
				assert.Len(t, contents, 4*8)
			}

			sd, meta, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, []string{"linear/weights", "linear/bias"}, sd.Names())
			assert.True(t, sd.Get("linear/weights").InDelta(testStateDict(1).Get("linear/weights"), 0))
			assert.Equal(t, []int{1, 1}, sd.Get("linear/bias").Dimensions())
			assert.Equal(t, "best", meta.Name)
			assert.Equal(t, 3, meta.Epoch)
			assert.Equal(t, 0.5, meta.Metrics["loss valid"])
			assert.False(t, meta.CreatedAt.IsZero())

			// Loading by name and with suffix is the same.
			sd2, _, err := handler.Load("best")
			require.NoError(t, err)
			assert.Equal(t, sd.Names(), sd2.Names())
			_, _, err = Load(binPath)
			require.NoError(t, err)
		})
	}
}

func TestSaveReplaces(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	_, err = handler.Save("best", testStateDict(1), Metadata{Epoch: 1})
	require.NoError(t, err)
	path, err := handler.Save("best", testStateDict(2), Metadata{Epoch: 2})
	require.NoError(t, err)
	sd, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Epoch)
	assert.Equal(t, 0.5, sd.Get("linear/bias").Value())
	names, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"best"}, names)

	_, err = handler.Save("", testStateDict(1), Metadata{})
	assert.Error(t, err)
	_, err = handler.Save("a/b", testStateDict(1), Metadata{})
	assert.Error(t, err)
}

func TestBackups(t *testing.T) {
	handler, err := Build(t.TempDir()).Keep(2).Done()
	require.NoError(t, err)
	_, err = handler.Save("best", testStateDict(1), Metadata{})
	require.NoError(t, err)
	for _, n := range []int{5, 10, 15, 20} {
		_, err = handler.SaveBackup("run", n, testStateDict(float64(n)), Metadata{Epoch: n})
		require.NoError(t, err)
	}
	_, err = handler.SaveBackup("other", 1, testStateDict(1), Metadata{Epoch: 1})
	require.NoError(t, err)

	backups, err := handler.ListBackups("run")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-backup-15", "run-backup-20"}, backups)

	all, err := handler.ListBackups("")
	require.NoError(t, err)
	assert.Equal(t, []string{"other-backup-1", "run-backup-15", "run-backup-20"}, all)

	// The best model checkpoint is never pruned.
	names, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Contains(t, names, "best")
}

func TestBackupsNumericOrder(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	for _, n := range []int{100, 9, 20} {
		_, err = handler.SaveBackup("model", n, testStateDict(1), Metadata{})
		require.NoError(t, err)
	}
	backups, err := handler.ListBackups("model")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-backup-9", "model-backup-20", "model-backup-100"}, backups)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	handler, err := Build(dir).Done()
	require.NoError(t, err)
	path, err := handler.Save("truncated", testStateDict(1), Metadata{})
	require.NoError(t, err)
	_, binPath := Files(path)
	require.NoError(t, os.WriteFile(binPath, []byte{1, 2, 3}, 0o644))
	_, _, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, Remove(path))
	_, _, err = Load(path)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConfigErrors(t *testing.T) {
	_, err := Build("").Done()
	assert.Error(t, err)
	_, err = Build(t.TempDir()).WithCompression(BinFormat(7)).Done()
	assert.True(t, errors.Is(err, ErrUnsupportedCompression))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Build(file).Done()
	assert.Error(t, err)

	bf, err := ParseBinFormat("uncompressed")
	require.NoError(t, err)
	assert.Equal(t, BinUncompressed, bf)
	_, err = ParseBinFormat("zstd")
	assert.Error(t, err)
}
