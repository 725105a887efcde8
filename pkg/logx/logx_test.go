package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// must not panic
	l.Info("hello", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatal("logger with fields is not zero")
	}
}

func TestWithFieldsAreEmitted(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "broadcast"))
	l.Warn("batch persisted", Int("cursor", 50), Duration("took", 2*time.Second), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "broadcast" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["cursor"] != float64(50) {
		t.Fatalf("cursor = %v", m["cursor"])
	}
	if m["message"] != "batch persisted" {
		t.Fatalf("message = %v", m["message"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if !l.Enabled(LevelError) || l.Enabled(LevelDebug) {
		t.Fatal("Enabled does not match configured level")
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"send failed","job":"j1","attempt":3}`
	got := formatTelegramJSON([]byte(line))
	if !strings.HasPrefix(got, "[WARN] send failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "- attempt=3\n- job=j1") {
		t.Fatalf("fields not sorted/rendered: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
