// Package presence polls the typing/online status of a conversation or an
// identity and reports the effective state with typing expiry applied.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrMissingKey indicates that neither a conversation nor an identity was given.
var ErrMissingKey = errors.New("presence: key is required")

// KeyKind names the column a presence row is keyed by.
type KeyKind string

const (
	KeyKindConversation KeyKind = "conversation"
	KeyKindIdentity     KeyKind = "identity"
)

// Key selects the presence row. The conversation id wins when both are set.
type Key struct {
	ConversationID string
	IdentityID     string
}

// Resolve returns the kind and id to read, or ok=false when the key is empty.
func (k Key) Resolve() (KeyKind, string, bool) {
	if k.ConversationID != "" {
		return KeyKindConversation, k.ConversationID, true
	}
	if k.IdentityID != "" {
		return KeyKindIdentity, k.IdentityID, true
	}
	return "", "", false
}

// Row is the stored presence resource.
type Row struct {
	IsTyping        bool       `json:"is_typing"`
	IsOnline        bool       `json:"is_online"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	TypingExpiresAt *time.Time `json:"typing_expires_at"`
}

// Snapshot is the effective presence exposed to the render layer.
type Snapshot struct {
	IsTyping   bool       `json:"is_typing"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

// Equal compares two snapshots by value.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.IsTyping != other.IsTyping || s.IsOnline != other.IsOnline {
		return false
	}
	switch {
	case s.LastSeenAt == nil && other.LastSeenAt == nil:
		return true
	case s.LastSeenAt == nil || other.LastSeenAt == nil:
		return false
	default:
		return s.LastSeenAt.Equal(*other.LastSeenAt)
	}
}

// Reader performs a point read of one presence row.
type Reader interface {
	ReadPresence(ctx context.Context, kind KeyKind, id string) (Row, bool, error)
}

// Writer stores one presence row.
type Writer interface {
	WritePresence(ctx context.Context, kind KeyKind, id string, row Row) error
}

// Effective applies typing expiry: typing is reported only strictly before
// typing_expires_at.
func Effective(row Row, now time.Time) Snapshot {
	typing := row.IsTyping && row.TypingExpiresAt != nil && now.Before(*row.TypingExpiresAt)
	snapshot := Snapshot{IsTyping: typing, IsOnline: row.IsOnline}
	if row.LastSeenAt != nil {
		lastSeen := *row.LastSeenAt
		snapshot.LastSeenAt = &lastSeen
	}
	return snapshot
}
