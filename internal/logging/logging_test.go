package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceAndRestore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))

	Info("hello", zap.String("k", "v"))
	Warn("careful", zap.Int("n", 3))

	if logs.Len() != 2 {
		t.Fatalf("expected 2 log entries, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "hello" || entry.ContextMap()["k"] != "v" {
		t.Errorf("unexpected entry %+v", entry)
	}

	restore()
	Info("after restore")
	if logs.Len() != 2 {
		t.Errorf("restored logger should not write to observer, got %d entries", logs.Len())
	}
}

func TestNamedAddsComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer Replace(zap.New(core))()

	Named("gateway").Info("online")
	if got := logs.All()[0].ContextMap()["comp"]; got != "gateway" {
		t.Errorf("comp = %v, want gateway", got)
	}
}

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotesync.log")
	prev := L()
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		Replace(prev)
		SetLevel("info")
	}()

	Debug("written to file")
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log file content")
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("warn")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", globalLevel.Level())
	}
	SetLevel("bogus")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("invalid level should be ignored, got %v", globalLevel.Level())
	}
	SetLevel("info")
}
