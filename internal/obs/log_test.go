package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogWritesJSONLine(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Error("store_unavailable", map[string]any{"err": errors.New("timeout"), "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "store_unavailable" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["err"] != "timeout" {
		t.Fatalf("expected error rendered as string, got %v", entry["err"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("expected ts")
	}
}
