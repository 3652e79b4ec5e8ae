// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured zap logger shared by termlimits components.
//
// Diagnostic logs always go to stderr so that stdout stays clean for
// --json output and artifact streams.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TheMapleseed/Term-Limits/internal/config"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error
	Level string
	// Format is json or console
	Format string
	// Quiet raises the level to error
	Quiet bool
	// Verbose lowers the level to debug
	Verbose bool
	// Fields are attached to every entry
	Fields map[string]interface{}
}

// FromConfig derives Options from the logging section.
func FromConfig(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.Default()
	}
	return Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
}

// ParseLevel converts a level name into a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger. JSON format uses the production encoder; console
// uses the development encoder without stack traces on warnings.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.Quiet:
		level = zapcore.ErrorLevel
	case opts.Verbose:
		level = zapcore.DebugLevel
	}

	var zc zap.Config
	switch strings.ToLower(opts.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.InitialFields = opts.Fields

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("termlimits"), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
