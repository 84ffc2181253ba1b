package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/studyflow/internal/content"
	"github.com/pavelanni/studyflow/internal/store"
)

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"ingest"},
		{"export"},
		{"checkpoint", "show"},
		{"recover", "scan"},
		{"recover", "one"},
		{"recover", "all"},
		{"recover", "clear"},
		{"recover", "clear-all"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, root.Flags().Lookup("primary-dsn"), "serve flags are registered on root")
}

func TestEntryKey(t *testing.T) {
	assert.Equal(t, "emergency/abc", entryKey("abc"))
	assert.Equal(t, "emergency/abc", entryKey("emergency/abc"))
}

func TestWriteOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, writeOutput(path, map[string]int{"total": 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got["total"])
}

func TestCheckCatalogVersion(t *testing.T) {
	kv, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	catalog, err := content.Default()
	require.NoError(t, err)

	require.NoError(t, checkCatalogVersion(kv, catalog))
	stored, ok, err := kv.Get(catalogVersionKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, catalog.Version, string(stored))

	// A changed catalog is recorded, not rejected.
	require.NoError(t, kv.Set(catalogVersionKey, []byte("old")))
	require.NoError(t, kv.Set("checkpoint/alice/full", []byte("{}")))
	require.NoError(t, checkCatalogVersion(kv, catalog))
	stored, _, err = kv.Get(catalogVersionKey)
	require.NoError(t, err)
	assert.Equal(t, catalog.Version, string(stored))
}
