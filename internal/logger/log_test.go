package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/config"
)

func TestInitWritesToFile(t *testing.T) {
	prevLogger, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "ubersniff.log")
	closer := Init(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1}, false)
	if closer == nil {
		t.Fatal("expected a closer for the log file")
	}

	l := Component("test")
	l.Info().Msg("filtered out")
	l.Warn().Str("key", "value").Msg("kept")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "filtered out") {
		t.Errorf("info message should be filtered at warn level")
	}
	for _, want := range []string{`"message":"kept"`, `"component":"test"`, `"service":"ubersniff"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestVerboseLowersLevel(t *testing.T) {
	prevLogger, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	if closer := Init(config.LogConfig{Level: "info"}, true); closer != nil {
		t.Errorf("expected no closer without a log file")
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", zerolog.GlobalLevel())
	}
}
