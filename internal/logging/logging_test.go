package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) []map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	fn()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestInfoEmitsJSON(t *testing.T) {
	entries := capture(t, func() {
		Info("pipeline started", F("folder_id", "f-123", "capacity", 50))
	})

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["level"] != "INFO" {
		t.Errorf("level = %v", e["level"])
	}
	if e["msg"] != "pipeline started" {
		t.Errorf("msg = %v", e["msg"])
	}
	if e["folder_id"] != "f-123" {
		t.Errorf("folder_id = %v", e["folder_id"])
	}
	if e["capacity"] != float64(50) {
		t.Errorf("capacity = %v", e["capacity"])
	}
	if e["ts"] == nil {
		t.Error("missing ts")
	}
}

func TestLevelFiltering(t *testing.T) {
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	entries := capture(t, func() {
		Debug("d")
		Info("i")
		Warn("w")
		Error("e")
	})

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at warn level, got %d", len(entries))
	}
	if entries[0]["level"] != "WARN" || entries[1]["level"] != "ERROR" {
		t.Errorf("unexpected levels: %v, %v", entries[0]["level"], entries[1]["level"])
	}
}

func TestServiceFieldAttached(t *testing.T) {
	SetService("property-management")
	defer SetService("")

	entries := capture(t, func() { Info("hello") })
	if entries[0]["service"] != "property-management" {
		t.Errorf("service = %v", entries[0]["service"])
	}
}

func TestReservedKeysWin(t *testing.T) {
	entries := capture(t, func() {
		Info("real message", F("msg", "spoofed", "level", "FATAL"))
	})
	if entries[0]["msg"] != "real message" {
		t.Errorf("msg = %v", entries[0]["msg"])
	}
	if entries[0]["level"] != "INFO" {
		t.Errorf("level = %v", entries[0]["level"])
	}
}

func TestF(t *testing.T) {
	fields := F("a", 1, "b", "two")
	if fields["a"] != 1 || fields["b"] != "two" {
		t.Errorf("unexpected fields: %v", fields)
	}

	// Odd trailing value is dropped, non-string keys are skipped.
	fields = F("a", 1, "dangling")
	if len(fields) != 1 {
		t.Errorf("expected 1 field, got %v", fields)
	}
	fields = F(42, "ignored", "b", 2)
	if _, ok := fields["b"]; !ok || len(fields) != 1 {
		t.Errorf("expected only b, got %v", fields)
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFatal, "FATAL"},
		{Level(99), "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, expected %q", tt.level, got, tt.want)
		}
	}
}
