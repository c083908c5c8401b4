// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from a TOML file with
// environment variable overrides, and watches the file for live updates to
// settings that are safe to change at runtime (log level).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/redriva/redriva/internal/domain"
)

const envPrefix = "REDRIVA__"

// AppConfig wraps the loaded configuration and the viper instance backing it.
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper

	mu sync.Mutex
}

// New loads configuration from configPath (a file or a directory that
// contains config.toml). A default config file is written on first run.
func New(configPath, version string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}
	c.defaults(version)

	if err := c.load(configPath); err != nil {
		return nil, err
	}
	c.applyEnvOverrides()

	if c.Config.DatabasePath == "" {
		c.Config.DatabasePath = filepath.Join(filepath.Dir(c.viper.ConfigFileUsed()), "redriva.db")
	}

	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

func (c *AppConfig) defaults(version string) {
	c.Config = &domain.Config{
		Version:       version,
		Host:          "0.0.0.0",
		Port:          7979,
		LogLevel:      "INFO",
		LogMaxSize:    50,
		LogMaxBackups: 3,
	}

	c.viper.SetDefault("host", c.Config.Host)
	c.viper.SetDefault("port", c.Config.Port)
	c.viper.SetDefault("baseUrl", c.Config.BaseURL)
	c.viper.SetDefault("logLevel", c.Config.LogLevel)
	c.viper.SetDefault("logPath", c.Config.LogPath)
	c.viper.SetDefault("logMaxSize", c.Config.LogMaxSize)
	c.viper.SetDefault("logMaxBackups", c.Config.LogMaxBackups)
	c.viper.SetDefault("dataDir", c.Config.DataDir)
	c.viper.SetDefault("databasePath", c.Config.DatabasePath)
	c.viper.SetDefault("corsAllowedOrigins", []string{})
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	switch {
	case configPath == "":
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user config dir: %w", err)
		}
		configPath = filepath.Join(dir, "redriva")
		fallthrough
	default:
		info, err := os.Stat(configPath)
		if err == nil && !info.IsDir() {
			c.viper.SetConfigFile(configPath)
		} else {
			if err := os.MkdirAll(configPath, 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			c.viper.SetConfigFile(filepath.Join(configPath, "config.toml"))
		}
	}

	if _, err := os.Stat(c.viper.ConfigFileUsed()); os.IsNotExist(err) {
		if err := c.writeDefaultConfigFile(c.viper.ConfigFileUsed()); err != nil {
			return err
		}
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return nil
}

func (c *AppConfig) writeDefaultConfigFile(path string) error {
	const defaultConfig = `# Redriva configuration.
# Values can be overridden with REDRIVA__ environment variables,
# e.g. REDRIVA__PORT=8080 or REDRIVA__LOG_LEVEL=DEBUG.

# Address to listen on.
host = "0.0.0.0"
port = 7979

# TRACE, DEBUG, INFO, WARN or ERROR.
logLevel = "INFO"

# Optional log file. Rotated by size; empty logs to stderr only.
#logPath = "log/redriva.log"
#logMaxSize = 50
#logMaxBackups = 3

# Database location. Defaults to redriva.db next to this file.
#databasePath = ""
`
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	log.Info().Str("path", path).Msg("config: wrote default config file")
	return nil
}

// applyEnvOverrides maps REDRIVA__SNAKE_CASE variables onto config fields.
// Done by hand rather than viper.AutomaticEnv so that only known keys apply.
func (c *AppConfig) applyEnvOverrides() {
	for env, key := range map[string]string{
		"HOST":          "host",
		"BASE_URL":      "baseUrl",
		"LOG_LEVEL":     "logLevel",
		"LOG_PATH":      "logPath",
		"DATA_DIR":      "dataDir",
		"DATABASE_PATH": "databasePath",
	} {
		if v, ok := os.LookupEnv(envPrefix + env); ok && v != "" {
			c.viper.Set(key, v)
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "PORT"); ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.viper.Set("port", port)
		} else {
			log.Warn().Str("value", v).Msg("config: ignoring non-numeric REDRIVA__PORT")
		}
	}
	// Re-unmarshal with overrides applied.
	_ = c.viper.Unmarshal(c.Config)
}

// DynamicReload watches the config file and applies runtime-safe changes.
// Only the log level is applied live; everything else requires a restart.
func (c *AppConfig) DynamicReload(setLogLevel func(level string)) {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		level := c.viper.GetString("logLevel")
		if !strings.EqualFold(level, c.Config.LogLevel) {
			c.Config.LogLevel = level
			setLogLevel(level)
			log.Info().Str("level", level).Msg("config: applied new log level")
		}

		log.Debug().Str("file", e.Name).Msg("config: reloaded")
	})
	c.viper.WatchConfig()
}

// ZerologLevel converts the configured level string to a zerolog level.
func ZerologLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
