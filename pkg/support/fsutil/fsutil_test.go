// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	got, err := ResolvePath("models", "/data")
	require.NoError(t, err)
	assert.Equal(t, "/data/models", got)

	got, err = ResolvePath("/abs/models", "/data")
	require.NoError(t, err)
	assert.Equal(t, "/abs/models", got)

	got, err = ResolvePath("relative", "")
	require.NoError(t, err)
	assert.Equal(t, "relative", got)
}

func TestEnsureDirAndAtomicWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	filePath := filepath.Join(dir, "file.txt")
	require.NoError(t, WriteFileAtomic(filePath, []byte("hello"), 0644))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))

	// A regular file where a directory is expected is an error.
	assert.Error(t, EnsureDir(filePath))

	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}
