// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"abc", "ab", 1},
		{"ab", "abc", 1},
		{"abc", "bac", 2},
		{"kitten", "sitting", 3},
		{"escrow", "escorw", 2},
		{"recover", "recovr", 1},
	}
	for _, test := range tests {
		t.Run(test.a+"->"+test.b, func(t *testing.T) {
			if got := levenshtein(test.a, test.b); got != test.want {
				t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewLogger(&buffer, LogAuto, slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("node starting", "members", 3)
	output := buffer.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("debug line logged at info level: %s", output)
	}
	// A buffer is not a terminal, so auto picks JSON.
	if !strings.HasPrefix(output, "{") || !strings.Contains(output, `"members":3`) {
		t.Errorf("auto format on a buffer = %q, want JSON", output)
	}

	if _, err := NewLogger(&buffer, LogFormat("xml"), slog.LevelInfo); err == nil {
		t.Error("NewLogger accepted an unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{"debug": slog.LevelDebug, "info": slog.LevelInfo, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}
