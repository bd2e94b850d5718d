package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestNew(t *testing.T) {
	t.Run("JSONByDefault", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := New(domain.LoggingConfig{Level: "info"}, &buf)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer closer.Close()

		logger.Info("block processed", "block", 42)
		logger.Debug("hidden")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
		}
		if entry["msg"] != "block processed" || entry["block"] != float64(42) {
			t.Errorf("unexpected entry: %v", entry)
		}
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		logger.Debug("epoch sealed", "epoch", 7)
		if !strings.Contains(buf.String(), "epoch=7") {
			t.Errorf("expected text output, got %q", buf.String())
		}
	})

	t.Run("RotatingFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "kestrel.log")
		var buf bytes.Buffer
		logger, closer, err := New(domain.LoggingConfig{Level: "warn", File: path, MaxSizeMB: 1}, &buf)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		logger.Warn("feed unavailable")
		if err := closer.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("log file not written: %v", err)
		}
		if !strings.Contains(string(data), "feed unavailable") || !strings.Contains(buf.String(), "feed unavailable") {
			t.Errorf("expected entry in both sinks, file=%q stdout=%q", data, buf.String())
		}
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
