package realtime

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

// Raw event types carried on the change stream.
const (
	EventTypeInsert = "INSERT"
	EventTypeUpdate = "UPDATE"
	EventTypeDelete = "DELETE"
)

// RawPayload is one change-stream record as delivered by a transport.
type RawPayload struct {
	EventType string          `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old"`
}

// Snapshot returns the row image the event kind refers to.
func (p RawPayload) Snapshot() json.RawMessage {
	if strings.EqualFold(strings.TrimSpace(p.EventType), EventTypeDelete) {
		return p.Old
	}
	return p.New
}

// EventKind tags a normalized change event.
type EventKind string

const (
	KindInsert EventKind = "insert"
	KindUpdate EventKind = "update"
	KindDelete EventKind = "delete"
)

// ChangeEvent carries exactly one entity snapshot.
type ChangeEvent struct {
	Kind   EventKind
	Table  string
	Entity inbox.Entity
}

// Message returns the entity as a message when the event carries one.
func (e ChangeEvent) Message() (inbox.Message, bool) {
	message, ok := e.Entity.(inbox.Message)
	return message, ok
}

// Deal returns the entity as a deal when the event carries one.
func (e ChangeEvent) Deal() (inbox.Deal, bool) {
	deal, ok := e.Entity.(inbox.Deal)
	return deal, ok
}

// EntityID returns the id of the carried entity, or "".
func (e ChangeEvent) EntityID() string {
	if e.Entity == nil {
		return ""
	}
	return e.Entity.EntityID()
}

func isEmptySnapshot(snapshot json.RawMessage) bool {
	trimmed := bytes.TrimSpace(snapshot)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
