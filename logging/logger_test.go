package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return FromZap(zap.New(core)), logs
}

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fluxpredict.log")

	logger, err := New(Options{FilePath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("weights ready", zap.String("bundle", "checkpoints"))
	_ = logger.Sync()

	if logger.LogFilePath() != path {
		t.Errorf("LogFilePath() = %q, want %q", logger.LogFilePath(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if entry[FieldMessage] != "weights ready" {
		t.Errorf("message = %v", entry[FieldMessage])
	}
	if entry[FieldLevel] != "info" {
		t.Errorf("level = %v", entry[FieldLevel])
	}
	if entry["bundle"] != "checkpoints" {
		t.Errorf("bundle = %v", entry["bundle"])
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	level := zapcore.WarnLevel

	logger, err := New(Options{FilePath: path, Level: &level})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn entry missing")
	}
}

func TestLogger_RedactsFields(t *testing.T) {
	logger, logs := observed(zapcore.DebugLevel)

	logger.Info("runner configured",
		zap.String("openai_api_key", "sk-plainvalue"),
		zap.String("note", "token=abcdefghijkl"),
		zap.Int("steps", 28),
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["openai_api_key"] != RedactedPlaceholder {
		t.Errorf("openai_api_key = %v", fields["openai_api_key"])
	}
	if strings.Contains(fields["note"].(string), "abcdefghijkl") {
		t.Errorf("note leaked secret: %v", fields["note"])
	}
	if fields["steps"] != int64(28) {
		t.Errorf("steps = %v", fields["steps"])
	}
}

func TestLogger_SugarRedaction(t *testing.T) {
	logger, logs := observed(zapcore.DebugLevel)

	logger.Infow("queue connected", "redis_password", "hunter2", "queue", "default")

	fields := logs.All()[0].ContextMap()
	if fields["redis_password"] != RedactedPlaceholder {
		t.Errorf("redis_password = %v", fields["redis_password"])
	}
	if fields["queue"] != "default" {
		t.Errorf("queue = %v", fields["queue"])
	}
}

func TestLogger_NamedAndWith(t *testing.T) {
	logger, logs := observed(zapcore.DebugLevel)

	child := logger.Named("adapter").With(zap.String("prediction_id", "abc"))
	child.Debug("resolved")

	entry := logs.All()[0]
	if entry.LoggerName != "adapter" {
		t.Errorf("LoggerName = %q, want adapter", entry.LoggerName)
	}
	if entry.ContextMap()["prediction_id"] != "abc" {
		t.Errorf("prediction_id missing: %v", entry.ContextMap())
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("nothing")
	if err := logger.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}
