// SPDX-License-Identifier: MIT

// Package log provides structured logging utilities.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level        string    // optional log level ("debug", "info", etc.)
	Output       io.Writer // optional writer (defaults to os.Stdout)
	Service      string    // optional service name attached to every log entry
	Version      string    // optional version attached to every log entry
	FilePath     string    // log to this file instead of Output when set
	RotateSizeKB int       // rotate the log file after this many KiB
	RotateCount  int       // rotated files to keep
}

var (
	mu   sync.Mutex
	base zerolog.Logger
	done bool
)

// Configure initialises the global zerolog logger. The first call wins;
// later calls are ignored so package-level loggers stay consistent.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if done {
		return
	}
	done = true

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if cfg.FilePath != "" {
		maxMB := cfg.RotateSizeKB / 1024
		if maxMB == 0 {
			maxMB = 1
		}
		writer = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxMB,
			MaxBackups: cfg.RotateCount,
		}
	}
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "frlproxy"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Str("version", cfg.Version).
		Logger()
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
