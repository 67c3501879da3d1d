package data

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()

	if len(a) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%q)", len(a), a)
	}
	for _, r := range a {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			t.Fatalf("session id %q contains non-hex rune %q", a, r)
		}
	}
	if a == b {
		t.Errorf("two session ids should differ, both were %q", a)
	}
}

func TestNewIndexDocument(t *testing.T) {
	msg := QueueMessage(`{"time":"2015-05-17T10:05:03+00:00","request":"GET /a"}`)
	now := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)

	doc := NewIndexDocument(msg, Enrichment{SourceType: "nginx", Region: "us-east-1", SessionID: "abc"}, now)

	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if m["timestamp"] != "2024-03-01T12:30:45.123456+00:00" {
		t.Errorf("timestamp: got %v", m["timestamp"])
	}
	if m["sourcetype"] != "nginx" || m["index"] != "nginx" {
		t.Errorf("sourcetype/index: got %v/%v", m["sourcetype"], m["index"])
	}
	fields, ok := m["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", m)
	}
	if fields["region"] != "us-east-1" || fields["sessionid"] != "abc" {
		t.Errorf("fields: got %v", fields)
	}
	if string(doc.Event) != string(msg) {
		t.Errorf("event should be the message unchanged, got %s", doc.Event)
	}
}
