package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"waveline/internal/logging"
)

func TestFileLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	log, closeFn, err := logging.New(logging.Options{Level: "debug", File: "wv.log", Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Debug("task created", "task_id", "T0001")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "wv.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("log line is not json: %v: %s", err, data)
	}
	if rec["task_id"] != "T0001" || rec["msg"] != "task created" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestStderrLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := logging.New(logging.Options{Level: "warn", Stderr: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if logging.ParseLevel("ERROR") != slog.LevelError || logging.ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("level parsing mismatch")
	}
}
