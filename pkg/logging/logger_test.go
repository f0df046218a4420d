package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, true)
	logger.SetOutput(&buf)

	child := logger.WithField("job_id", 42)
	child.Info("job claimed", map[string]interface{}{"err": errors.New("nope")})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "job claimed" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["job_id"] != float64(42) {
		t.Errorf("job_id field = %v", entry.Fields["job_id"])
	}
	if entry.Fields["err"] != "nope" {
		t.Errorf("errors should be logged as strings, got %v", entry.Fields["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below WARN leaked: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("missing warning in %q", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("product", "RGB")
	parent.Info("plain")

	if strings.Contains(buf.String(), "product") {
		t.Errorf("parent picked up child field: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "worker", INFO, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	logger.Info(strings.Repeat("x", 256))
	if err := logger.RotateIfNeeded(64); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "worker.log.*"))
	if len(matches) != 1 {
		t.Fatalf("expected one rotated file, got %v", matches)
	}
	if _, err := os.Stat(filepath.Join(dir, "worker.log")); err != nil {
		t.Errorf("active log file missing after rotation: %v", err)
	}
}
