package inbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction enumerates which side of a conversation produced a message.
type Direction string

const (
	// DirectionInbound marks a message received from a contact.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound marks a message sent by the workspace.
	DirectionOutbound Direction = "outbound"
)

// SendingStatus tracks delivery of outbound messages.
type SendingStatus string

const (
	SendingStatusSending SendingStatus = "sending"
	SendingStatusSent    SendingStatus = "sent"
	SendingStatusFailed  SendingStatus = "failed"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("inbox: invalid message id")
	// ErrInvalidConversationID indicates that a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("inbox: invalid conversation id")
	// ErrInvalidDealID indicates that a deal identifier is empty or exceeds storage bounds.
	ErrInvalidDealID = errors.New("inbox: invalid deal id")
	// ErrInvalidPipelineID indicates that a pipeline identifier is empty or exceeds storage bounds.
	ErrInvalidPipelineID = errors.New("inbox: invalid pipeline id")
	// ErrInvalidMessage indicates that a message snapshot violates the data model.
	ErrInvalidMessage = errors.New("inbox: invalid message")
	// ErrInvalidDeal indicates that a deal snapshot violates the data model.
	ErrInvalidDeal = errors.New("inbox: invalid deal")
)

// Entity is implemented by every snapshot type carried on the change stream.
// ScopeID names the resource the entity belongs to (a conversation for
// messages, a pipeline for deals) and may be empty for id-only snapshots.
type Entity interface {
	EntityID() string
	ScopeID() string
}

// MessageID represents a validated message identifier.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidMessageID)
	if err != nil {
		return "", err
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidConversationID)
	if err != nil {
		return "", err
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Attachment describes a file attached to a message. Upload and signed URL
// retrieval live outside the sync core; only the reference is tracked here.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Message is the local snapshot of a conversation message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Direction      Direction     `json:"direction"`
	Channel        string        `json:"channel"`
	Text           *string       `json:"text"`
	SentAt         time.Time     `json:"sent_at"`
	EditedAt       *time.Time    `json:"edited_at"`
	DeletedAt      *time.Time    `json:"deleted_at"`
	Attachments    []Attachment  `json:"attachments"`
	ReplyToID      *string       `json:"reply_to_id"`
	Pinned         bool          `json:"is_pinned"`
	SendingStatus  SendingStatus `json:"status,omitempty"`
}

// EntityID implements Entity.
func (m Message) EntityID() string {
	return m.ID
}

// ScopeID implements Entity.
func (m Message) ScopeID() string {
	return m.ConversationID
}

// IsDeleted reports whether the message carries a soft-delete marker.
func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// TextValue returns the message text or an empty string.
func (m Message) TextValue() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// Validate checks the invariants a full snapshot must satisfy.
func (m Message) Validate() error {
	if _, err := NewMessageID(m.ID); err != nil {
		return err
	}
	if _, err := NewConversationID(m.ConversationID); err != nil {
		return err
	}
	switch m.Direction {
	case DirectionInbound:
		if m.SendingStatus != "" {
			return fmt.Errorf("%w: sending status on inbound message %s", ErrInvalidMessage, m.ID)
		}
	case DirectionOutbound:
		switch m.SendingStatus {
		case "", SendingStatusSending, SendingStatusSent, SendingStatusFailed:
		default:
			return fmt.Errorf("%w: unknown sending status %q", ErrInvalidMessage, m.SendingStatus)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidMessage, m.Direction)
	}
	if m.SentAt.IsZero() {
		return fmt.Errorf("%w: missing sent_at for %s", ErrInvalidMessage, m.ID)
	}
	return nil
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (m Message) Clone() Message {
	clone := m
	if m.Text != nil {
		clone.Text = StringPointer(*m.Text)
	}
	if m.EditedAt != nil {
		clone.EditedAt = TimePointer(*m.EditedAt)
	}
	if m.DeletedAt != nil {
		clone.DeletedAt = TimePointer(*m.DeletedAt)
	}
	if m.ReplyToID != nil {
		clone.ReplyToID = StringPointer(*m.ReplyToID)
	}
	if m.Attachments != nil {
		clone.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return clone
}

// Deal is a pipeline card tracked alongside conversations.
type Deal struct {
	ID         string     `json:"id"`
	PipelineID string     `json:"pipeline_id"`
	StageID    string     `json:"stage_id"`
	Title      string     `json:"title"`
	Position   float64    `json:"position"`
	Value      float64    `json:"value"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at"`
}

// EntityID implements Entity.
func (d Deal) EntityID() string {
	return d.ID
}

// ScopeID implements Entity.
func (d Deal) ScopeID() string {
	return d.PipelineID
}

// Validate checks the invariants a full deal snapshot must satisfy.
func (d Deal) Validate() error {
	if _, err := validateIdentifier(d.ID, ErrInvalidDealID); err != nil {
		return err
	}
	if _, err := validateIdentifier(d.PipelineID, ErrInvalidPipelineID); err != nil {
		return err
	}
	if strings.TrimSpace(d.StageID) == "" {
		return fmt.Errorf("%w: missing stage for %s", ErrInvalidDeal, d.ID)
	}
	return nil
}

// StringPointer returns a pointer to a copy of value.
func StringPointer(value string) *string {
	v := value
	return &v
}

// TimePointer returns a pointer to a copy of value.
func TimePointer(value time.Time) *time.Time {
	v := value
	return &v
}
