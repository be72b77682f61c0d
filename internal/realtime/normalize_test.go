package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

const messageRow = `{"id":"m1","conversation_id":"c1","direction":"inbound","channel":"whatsapp","text":"hi","sent_at":"2024-01-01T10:00:00Z","attachments":[],"is_pinned":false,"workspace_id":"w1"}`

func TestNormalizeMapsEventKinds(t *testing.T) {
	normalizer := NewNormalizer()
	tests := []struct {
		name string
		raw  RawPayload
		want EventKind
	}{
		{name: "insert", raw: RawPayload{EventType: "INSERT", Table: "messages", New: json.RawMessage(messageRow)}, want: KindInsert},
		{name: "update", raw: RawPayload{EventType: "UPDATE", Table: "messages", New: json.RawMessage(messageRow), Old: json.RawMessage(`{"id":"m1"}`)}, want: KindUpdate},
		{name: "delete", raw: RawPayload{EventType: "DELETE", Table: "messages", New: json.RawMessage("null"), Old: json.RawMessage(messageRow)}, want: KindDelete},
		{name: "lowercase", raw: RawPayload{EventType: "insert", Table: "messages", New: json.RawMessage(messageRow)}, want: KindInsert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := normalizer.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if event.Kind != tt.want {
				t.Fatalf("want kind %s, got %s", tt.want, event.Kind)
			}
			message, ok := event.Message()
			if !ok || message.ID != "m1" || message.ConversationID != "c1" {
				t.Fatalf("unexpected entity %+v", event.Entity)
			}
		})
	}
}

func TestNormalizeAcceptsIDOnlyDelete(t *testing.T) {
	event, err := NewNormalizer().Normalize(RawPayload{EventType: "DELETE", Table: "messages", Old: json.RawMessage(`{"id":"m9"}`)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.EntityID() != "m9" || event.Entity.ScopeID() != "" {
		t.Fatalf("unexpected delete entity %+v", event.Entity)
	}
}

func TestNormalizeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  RawPayload
	}{
		{name: "unknown-event", raw: RawPayload{EventType: "TRUNCATE", Table: "messages", New: json.RawMessage(messageRow)}},
		{name: "unknown-table", raw: RawPayload{EventType: "INSERT", Table: "contacts", New: json.RawMessage(`{"id":"x"}`)}},
		{name: "missing-new", raw: RawPayload{EventType: "INSERT", Table: "messages"}},
		{name: "null-old", raw: RawPayload{EventType: "DELETE", Table: "messages", Old: json.RawMessage("null")}},
		{name: "missing-id", raw: RawPayload{EventType: "DELETE", Table: "messages", Old: json.RawMessage(`{"conversation_id":"c1"}`)}},
		{name: "bad-json", raw: RawPayload{EventType: "INSERT", Table: "messages", New: json.RawMessage(`{"id":`)}},
		{name: "invalid-direction", raw: RawPayload{EventType: "INSERT", Table: "messages", New: json.RawMessage(`{"id":"m1","conversation_id":"c1","direction":"up","sent_at":"2024-01-01T10:00:00Z"}`)}},
		{name: "deal-without-stage", raw: RawPayload{EventType: "UPDATE", Table: "deals", New: json.RawMessage(`{"id":"d1","pipeline_id":"p1"}`)}},
	}
	normalizer := NewNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := normalizer.Normalize(tt.raw); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestNormalizeDeal(t *testing.T) {
	event, err := NewNormalizer().Normalize(RawPayload{
		EventType: "UPDATE",
		Table:     "deals",
		New:       json.RawMessage(`{"id":"d1","pipeline_id":"p1","stage_id":"won","title":"Acme","position":2.5,"value":1000,"updated_at":"2024-01-01T10:00:00Z"}`),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	deal, ok := event.Deal()
	if !ok || deal.StageID != "won" || deal.Position != 2.5 {
		t.Fatalf("unexpected deal %+v", event.Entity)
	}
}

func TestPeekScope(t *testing.T) {
	normalizer := NewNormalizer()
	scope, ok := normalizer.PeekScope(RawPayload{EventType: "INSERT", Table: "messages", New: json.RawMessage(messageRow)})
	if !ok || scope != "c1" {
		t.Fatalf("expected scope c1, got %q (%v)", scope, ok)
	}
	if _, ok := normalizer.PeekScope(RawPayload{EventType: "DELETE", Table: "messages", Old: json.RawMessage(`{"id":"m1"}`)}); ok {
		t.Fatalf("expected no scope for id-only delete")
	}
	scope, ok = normalizer.PeekScope(RawPayload{EventType: "DELETE", Table: "deals", Old: json.RawMessage(`{"id":"d1","pipeline_id":"p7"}`)})
	if !ok || scope != "p7" {
		t.Fatalf("expected scope p7, got %q (%v)", scope, ok)
	}
}
