package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"iamd/server"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"err", slog.LevelError},
		{"  info  ", slog.LevelInfo},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}
	if _, err := server.LoadConfig(path); err != nil {
		t.Fatalf("generated config failed to load: %v", err)
	}

	// Refuses to overwrite.
	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), logger); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
