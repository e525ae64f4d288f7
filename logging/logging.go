// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs zap loggers from a [config.LogConfig].
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/tether/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a logger from c. Each output is stdout, stderr, or the path of a
// file to append to; file outputs are rotated if c.Rotation.Enable is set.
// The caller should call Sync on the logger before exiting.
func New(c config.LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	enc := newEncoder(c)

	var cores []zapcore.Core
	for _, out := range c.Outputs {
		ws, err := openOutput(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// Setup builds a logger from c as New does, installs it as the global zap
// logger, and redirects the standard log package to it.  It returns a function
// that flushes the logger and restores the previous globals.
func Setup(c config.LogConfig) (*zap.Logger, func(), error) {
	log, err := New(c)
	if err != nil {
		return nil, nil, err
	}
	restoreGlobals := zap.ReplaceGlobals(log)
	restoreStd := zap.RedirectStdLog(log)
	return log, func() {
		log.Sync()
		restoreStd()
		restoreGlobals()
	}, nil
}

// ParseLevel parses a level name. The empty string denotes info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func newEncoder(c config.LogConfig) zapcore.Encoder {
	var ec zapcore.EncoderConfig
	if c.Development {
		ec = zap.NewDevelopmentEncoderConfig()
	} else {
		ec = zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if strings.EqualFold(c.Format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	if c.Development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

func openOutput(out string, r config.RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log output %q: %w", out, err)
		}
	}
	if r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 1),
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %q: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
