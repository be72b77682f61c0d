package inbox

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewMessageIDRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace", input: "   "},
		{name: "too-long", input: strings.Repeat("m", maxIdentifierLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessageID(tt.input)
			if !errors.Is(err, ErrInvalidMessageID) {
				t.Fatalf("expected ErrInvalidMessageID, got %v", err)
			}
		})
	}
}

func TestNewConversationIDTrimsInput(t *testing.T) {
	id, err := NewConversationID("  conv-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "conv-1" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestMessageValidate(t *testing.T) {
	sentAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	valid := Message{
		ID:             "m1",
		ConversationID: "c1",
		Direction:      DirectionOutbound,
		Channel:        "whatsapp",
		SentAt:         sentAt,
		SendingStatus:  SendingStatusSent,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Message)
		target error
	}{
		{name: "missing-id", mutate: func(m *Message) { m.ID = "" }, target: ErrInvalidMessageID},
		{name: "missing-conversation", mutate: func(m *Message) { m.ConversationID = "" }, target: ErrInvalidConversationID},
		{name: "unknown-direction", mutate: func(m *Message) { m.Direction = "sideways" }, target: ErrInvalidMessage},
		{name: "inbound-with-status", mutate: func(m *Message) { m.Direction = DirectionInbound }, target: ErrInvalidMessage},
		{name: "unknown-status", mutate: func(m *Message) { m.SendingStatus = "queued" }, target: ErrInvalidMessage},
		{name: "zero-sent-at", mutate: func(m *Message) { m.SentAt = time.Time{} }, target: ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := valid.Clone()
			tt.mutate(&candidate)
			if err := candidate.Validate(); !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestMessageCloneDoesNotShareFields(t *testing.T) {
	original := Message{
		ID:          "m1",
		Text:        StringPointer("hello"),
		EditedAt:    TimePointer(time.Unix(10, 0)),
		Attachments: []Attachment{{ID: "a1"}},
	}
	clone := original.Clone()
	*clone.Text = "changed"
	clone.Attachments[0].ID = "a2"
	*clone.EditedAt = time.Unix(20, 0)

	if original.TextValue() != "hello" {
		t.Fatalf("clone mutated original text")
	}
	if original.Attachments[0].ID != "a1" {
		t.Fatalf("clone mutated original attachments")
	}
	if !original.EditedAt.Equal(time.Unix(10, 0)) {
		t.Fatalf("clone mutated original edited_at")
	}
}

func TestDealValidate(t *testing.T) {
	deal := Deal{ID: "d1", PipelineID: "p1", StageID: "s1"}
	if err := deal.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deal.PipelineID = ""
	if err := deal.Validate(); !errors.Is(err, ErrInvalidPipelineID) {
		t.Fatalf("expected ErrInvalidPipelineID, got %v", err)
	}
	deal.PipelineID = "p1"
	deal.StageID = " "
	if err := deal.Validate(); !errors.Is(err, ErrInvalidDeal) {
		t.Fatalf("expected ErrInvalidDeal, got %v", err)
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second || first == "" {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", first, second)
	}
}
