package export

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

func TestRedactLogMasksSensitiveKeys(t *testing.T) {
	log := exportLog("acme")
	log.Raw = json.RawMessage(`{"user":"alice","password":"hunter2","session":{"api_key":"abc123","id":"s1"}}`)

	redacted := redactLog(log)

	var decoded map[string]any
	if err := json.Unmarshal(redacted.Raw, &decoded); err != nil {
		t.Fatalf("unmarshal redacted raw: %v", err)
	}

	if decoded["user"] != "alice" {
		t.Errorf("user = %v, want alice", decoded["user"])
	}
	if decoded["password"] != "[REDACTED]" {
		t.Errorf("password = %v, want masked", decoded["password"])
	}
	session, ok := decoded["session"].(map[string]any)
	if !ok {
		t.Fatalf("session = %T, want object", decoded["session"])
	}
	if session["api_key"] != "[REDACTED]" {
		t.Errorf("nested api_key = %v, want masked", session["api_key"])
	}
	if session["id"] != "s1" {
		t.Errorf("nested id = %v, want untouched", session["id"])
	}

	// The original log must not be modified.
	var original map[string]any
	if err := json.Unmarshal(log.Raw, &original); err != nil {
		t.Fatalf("unmarshal original raw: %v", err)
	}
	if original["password"] != "hunter2" {
		t.Errorf("original payload was modified: %v", original["password"])
	}
}

func TestRedactLogCleanPayloadUnchanged(t *testing.T) {
	log := exportLog("acme")
	log.Raw = json.RawMessage(`{"user":"alice","action":"login"}`)

	redacted := redactLog(log)
	if redacted != log {
		t.Error("clean payload should pass through without copying")
	}
}

func TestRedactLogNonObjectPayload(t *testing.T) {
	log := exportLog("acme")
	log.Raw = json.RawMessage(`"just a string"`)

	redacted := redactLog(log)
	if string(redacted.Raw) != `"just a string"` {
		t.Errorf("raw = %s, want unchanged", redacted.Raw)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"smtp_password", true},
		{"user_token", true},
		{"user", false},
		{"action", false},
		{"src_ip", false},
	}
	for _, tt := range tests {
		if got := isSensitiveKey(tt.key); got != tt.want {
			t.Errorf("isSensitiveKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestExportRedactsByDefault(t *testing.T) {
	w := &fakeWriter{}
	e := newTestExporter(w)
	e.config.Redact = true

	log := exportLog("acme")
	log.Raw = json.RawMessage(`{"password":"hunter2"}`)

	if err := e.Export(context.Background(), log); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(w.messages))
	}
	var sent schema.Log
	if err := json.Unmarshal(w.messages[0].Value, &sent); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(sent.Raw, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["password"] != "[REDACTED]" {
		t.Errorf("exported password = %v, want masked", raw["password"])
	}
}
