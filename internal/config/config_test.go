// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Listen)
	require.Equal(t, 500, cfg.Server.DefaultPageSize)
	require.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, 2*time.Second, cfg.Server.CommitLag)
	require.Equal(t, 100, cfg.Client.BatchSize)
	require.Equal(t, 5*time.Second, cfg.Client.UpInterval)
	require.Equal(t, "info", cfg.Log.Level)

	// the built-in secret is refused outside development
	require.Error(t, cfg.Server.Validate())
	cfg.Server.DevTokens = true
	require.NoError(t, cfg.Server.Validate())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "oosync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  listen: ":9090"
  jwt_secret: from-file
  commit_lag: 250ms
client:
  genre_filter: [irish, scottish]
log:
  format: text
`), 0o600))

	t.Setenv("OOSYNC_SERVER_JWT_SECRET", "from-env")
	t.Setenv("OOSYNC_CLIENT_BATCH_SIZE", "7")

	cfg, err := Load(NewViper(), file)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Listen)
	require.Equal(t, "from-env", cfg.Server.JWTSecret)
	require.Equal(t, 250*time.Millisecond, cfg.Server.CommitLag)
	require.Equal(t, 7, cfg.Client.BatchSize)
	require.Equal(t, []string{"irish", "scottish"}, cfg.Client.GenreFilter)
	require.Equal(t, "text", cfg.Log.Format)
	require.NoError(t, cfg.Server.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("OOSYNC_SERVER_SCHEMA=tunes\n"), 0o600))
	t.Setenv("OOSYNC_SERVER_SCHEMA", "")
	require.NoError(t, os.Unsetenv("OOSYNC_SERVER_SCHEMA"))

	require.NoError(t, LoadDotEnv(env, filepath.Join(dir, "missing.env")))
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.Equal(t, "tunes", cfg.Server.Schema)
}
