// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LogFormat selects the log handler.
type LogFormat string

const (
	// LogAuto picks text on a terminal and JSON otherwise.
	LogAuto LogFormat = "auto"
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", name)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w. With LogAuto, a
// terminal gets slog.TextHandler and anything else (journald, CI,
// pipes) gets slog.JSONHandler.
func NewLogger(w io.Writer, format LogFormat, level slog.Level) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: level}
	if format == LogAuto {
		format = LogJSON
		if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = LogText
		}
	}
	switch format {
	case LogText:
		return slog.New(slog.NewTextHandler(w, options)), nil
	case LogJSON:
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want auto, text or json)", format)
	}
}

// NewCommandLogger is the logger for short-lived commands: info level
// on stderr.
func NewCommandLogger() *slog.Logger {
	logger, _ := NewLogger(os.Stderr, LogAuto, slog.LevelInfo)
	return logger
}
