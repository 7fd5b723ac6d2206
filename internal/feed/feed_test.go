package feed

import (
	"errors"
	"strings"
	"testing"
)

const githubBatch = `[
  {"id":"2489651045","type":"CreateEvent","actor":{"login":"octocat"},"payload":{"ref":"main"}},
  {"id":"2489651051","type":"PushEvent","actor":{"login":"hubot"},"payload":{"size":1}},
  {"id":"2489651052","type":"WatchEvent","actor":{"login":"octocat"},"payload":{}}
]`

func TestDecode_GitHubArray(t *testing.T) {
	events, err := Decode([]byte(githubBatch), DefaultFields())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	wantIDs := []string{"2489651045", "2489651051", "2489651052"}
	wantTypes := []string{"CreateEvent", "PushEvent", "WatchEvent"}
	for i, e := range events {
		if e.ID != wantIDs[i] || e.Type != wantTypes[i] {
			t.Errorf("event %d: expected %s/%s, got %s/%s", i, wantIDs[i], wantTypes[i], e.ID, e.Type)
		}
	}
	if !strings.Contains(string(events[1].Raw), `"login":"hubot"`) {
		t.Errorf("expected raw record to be preserved, got %s", events[1].Raw)
	}
}

func TestDecode_NumericIDKeepsPrecision(t *testing.T) {
	body := `[{"id": 90071992547409931, "kind": "issue"}]`
	events, err := Decode([]byte(body), Fields{ID: "$.id", Type: "$.kind"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].ID != "90071992547409931" {
		t.Errorf("expected exact id, got %s", events[0].ID)
	}
}

func TestDecode_WrappedItems(t *testing.T) {
	body := `{"meta":{"page":1},"data":{"items":[{"b":2,"id":"x1","type":"Opened"}]}}`
	events, err := Decode([]byte(body), Fields{Items: "$.data.items", ID: "$.id", Type: "$.type"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "x1" || events[0].Type != "Opened" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if string(events[0].Raw) != `{"b":2,"id":"x1","type":"Opened"}` {
		t.Errorf("expected sorted re-encoding, got %s", events[0].Raw)
	}
}

func TestDecode_Empty(t *testing.T) {
	events, err := Decode([]byte(`[]`), DefaultFields())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		fields Fields
	}{
		{"not json", `<html>`, DefaultFields()},
		{"object instead of array", `{"id":"1"}`, DefaultFields()},
		{"missing id", `[{"type":"PushEvent"}]`, DefaultFields()},
		{"empty id", `[{"id":"","type":"PushEvent"}]`, DefaultFields()},
		{"missing type", `[{"id":"1"}]`, DefaultFields()},
		{"object type", `[{"id":"1","type":{}}]`, DefaultFields()},
		{"null item", `[null]`, DefaultFields()},
		{"items not array", `{"items":{}}`, Fields{Items: "$.items", ID: "$.id", Type: "$.type"}},
		{"items missing", `{"other":[]}`, Fields{Items: "$.items", ID: "$.id", Type: "$.type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), tt.fields)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestEvent_Payload(t *testing.T) {
	raw := Event{ID: "1", Type: "PushEvent", Raw: []byte(`{"id":"1","type":"PushEvent","x":true}`)}
	got, err := raw.Payload()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(raw.Raw) {
		t.Errorf("expected raw payload, got %s", got)
	}

	bare := Event{ID: "2", Type: "ForkEvent"}
	got, err = bare.Payload()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"id":"2","type":"ForkEvent"}` {
		t.Errorf("unexpected synthesized payload %s", got)
	}
}
