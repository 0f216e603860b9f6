package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	err := newRootCommand(&out).Run(context.Background(), append([]string{"folio"}, args...))
	return &out, err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("FOLIO_REPOSITORY_SQLITE_PATH", filepath.Join(dir, "folio.db"))
	t.Setenv("FOLIO_LOGGING_OUTPUT", filepath.Join(dir, "folio.log"))

	t.Run("Migrate", func(t *testing.T) {
		_, err := runCLI(t, "migrate")
		require.NoError(t, err)
	})

	t.Run("Queue", func(t *testing.T) {
		out, err := runCLI(t, "queue")
		require.NoError(t, err)

		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &body))
		assert.Equal(t, 0, body.Count)
	})

	t.Run("Sweep", func(t *testing.T) {
		out, err := runCLI(t, "sweep")
		require.NoError(t, err)
		assert.JSONEq(t, `{"removed":0}`, out.String())
	})

	t.Run("ImportLegacy", func(t *testing.T) {
		out, err := runCLI(t, "import-legacy")
		require.NoError(t, err)

		var imported map[string]int
		require.NoError(t, json.Unmarshal(out.Bytes(), &imported))
		assert.Len(t, imported, 5)
		assert.Equal(t, 0, imported["portfolios"])
	})

	t.Run("ReplayRequiresID", func(t *testing.T) {
		_, err := runCLI(t, "replay")
		require.Error(t, err)
	})

	t.Run("ReplayUnknownID", func(t *testing.T) {
		_, err := runCLI(t, "replay", "missing")
		require.Error(t, err)
	})
}

func TestBadConfigFile(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "queue")
	require.Error(t, err)
}
