// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesDefaultConfigOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	configFile := filepath.Join(dir, "config.toml")
	_, err = os.Stat(configFile)
	require.NoError(t, err, "default config file should be written")

	assert.Equal(t, "0.0.0.0", cfg.Config.Host)
	assert.Equal(t, 7979, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, filepath.Join(dir, "redriva.db"), cfg.Config.DatabasePath)
}

func TestNew_ReadsExistingConfigFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configFile, []byte("host = \"127.0.0.1\"\nport = 9090\nlogLevel = \"DEBUG\"\n"), 0o644))

	cfg, err := New(configFile, "test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Config.Host)
	assert.Equal(t, 9090, cfg.Config.Port)
	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv("REDRIVA__PORT", "8181")
	t.Setenv("REDRIVA__LOG_LEVEL", "ERROR")

	cfg, err := New(t.TempDir(), "test")
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Config.Port)
	assert.Equal(t, "ERROR", cfg.Config.LogLevel)
}

func TestNew_RejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configFile, []byte("logLevel = \"LOUD\"\n"), 0o644))

	_, err := New(configFile, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestZerologLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.TraceLevel, ZerologLevel("TRACE"))
	assert.Equal(t, zerolog.DebugLevel, ZerologLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ZerologLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ZerologLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ZerologLevel("INFO"))
	assert.Equal(t, zerolog.InfoLevel, ZerologLevel("unknown"))
}
