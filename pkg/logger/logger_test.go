package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"WARN", WARN},
		{"warning", WARN},
		{" error ", ERROR},
		{"", INFO},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetLevel(INFO)

	SetLevel(WARN)
	InfoC("test", "hidden message")
	WarnC("test", "visible message")

	out := buf.String()
	if strings.Contains(out, "hidden message") {
		t.Errorf("info message should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "visible message") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestComponentAndFieldsInJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	EnableJSON()
	defer func() {
		mu.Lock()
		jsonMode = false
		mu.Unlock()
		SetOutput(os.Stderr)
	}()

	InfoCF("fetch", "slice fetched", map[string]any{"channel_id": "42", "count": 100})

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["component"] != "fetch" {
		t.Errorf("component = %v, want fetch", rec["component"])
	}
	if rec["channel_id"] != "42" {
		t.Errorf("channel_id = %v, want 42", rec["channel_id"])
	}
	if rec["msg"] != "slice fetched" {
		t.Errorf("msg = %v", rec["msg"])
	}
}
