package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hotswap/internal/logging"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "logs")

	logger, sync, err := logging.New(logging.Options{Level: "info", Dir: dir, Name: "agent"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("build waiting", zap.String("build", "v2"))
	sync()

	data, err := os.ReadFile(filepath.Join(dir, "agent.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered):\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "build waiting" || entry["build"] != "v2" || entry["level"] != "info" {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("entry missing ts")
	}
}

func TestNewLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"warn", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		logger, sync, err := logging.New(logging.Options{Level: tt.level, Dir: t.TempDir()})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) err = %v, wantErr %v", tt.level, err, tt.wantErr)
			continue
		}
		if err == nil {
			if logger == nil {
				t.Errorf("New(%q) returned nil logger", tt.level)
			}
			sync()
		}
	}
}
