package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLoggerIsNop(t *testing.T) {
	if L() == nil {
		t.Fatal("L() returned nil before Init")
	}
	L().Info("not recorded")
}

func TestSetRoutesEntries(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	defer Set(nil)

	L().Info("parsed", zap.Int("files", 3))
	S().Warnf("skipping %q", "a.xml")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "parsed" {
		t.Errorf("Expected message %q, got %q", "parsed", entries[0].Message)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("Expected warn level, got %v", entries[1].Level)
	}
}

func TestSetNilRestoresNop(t *testing.T) {
	Set(nil)
	if L() == nil {
		t.Fatal("Set(nil) left a nil logger")
	}
}

func TestInitModes(t *testing.T) {
	defer Set(nil)
	for _, mode := range []string{"debug", "release"} {
		if err := Init(mode); err != nil {
			t.Errorf("Init(%q) failed: %v", mode, err)
		}
	}
}
