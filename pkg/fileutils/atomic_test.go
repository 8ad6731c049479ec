// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package fileutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{name: "json payload", data: []byte(`{"version": 1}`), perm: 0o600},
		{name: "empty data", data: []byte{}, perm: 0o600},
		{name: "large data", data: []byte(strings.Repeat("x", 10000)), perm: 0o644},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "target.json")

			require.NoError(t, AtomicWriteFile(path, tt.data, tt.perm))

			content, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, content)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, tt.perm, info.Mode().Perm())
		})
	}
}

func TestAtomicWriteFile_OverwriteTruncates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "target.json")
	require.NoError(t, AtomicWriteFile(path, []byte(`{"initial": "payload long enough to notice truncation"}`), 0o600))

	newData := []byte(`{"new": "data"}`)
	require.NoError(t, AtomicWriteFile(path, newData, 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, newData, content, "old content must not survive the rename")
}

func TestAtomicWriteFile_NoTempFileLeftBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, AtomicWriteFile(filepath.Join(dir, "target.json"), []byte(`{}`), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".tmp-"),
			"temp file left behind: %s", entry.Name())
	}
}

func TestAtomicWriteFile_MissingDirectory(t *testing.T) {
	t.Parallel()

	err := AtomicWriteFile("/nonexistent/directory/target.json", []byte(`{}`), 0o600)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create temp file")
}
