package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFromFile(t *testing.T) {
	v, err := versionFromFile("001_init.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = versionFromFile("012_add_index.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	_, err = versionFromFile("init.sql")
	assert.Error(t, err)
	_, err = versionFromFile("abc_init.up.sql")
	assert.Error(t, err)
}

func TestUpMigrations_skipsDownFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	files, err := upMigrations(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.up.sql", "002_b.up.sql"}, files)
}
