// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/redriva/redriva/internal/domain"
)

// Init configures the global logger from the application config.
// Logs always go to a console writer on stderr; when LogPath is set they are
// additionally written to a size-rotated file.
func Init(cfg *domain.Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	}

	if cfg.LogPath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	SetLogLevel(cfg.LogLevel)
}

// SetLogLevel applies a level string (TRACE/DEBUG/INFO/WARN/ERROR) globally.
func SetLogLevel(level string) {
	switch level {
	case "TRACE", "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "DEBUG", "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN", "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR", "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
