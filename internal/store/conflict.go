package store

import (
	"time"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

// resolveMessage merges an incoming snapshot into the stored one using
// last-write-wins on the timestamped fields. sent_at is kept from the first
// observation, the newer edit wins for text, and a soft delete is sticky.
func resolveMessage(existing *inbox.Message, incoming inbox.Message) inbox.Message {
	if existing == nil {
		return incoming.Clone()
	}

	merged := incoming.Clone()
	merged.ConversationID = existing.ConversationID

	if !existing.SentAt.IsZero() {
		merged.SentAt = existing.SentAt
	}

	if editIsNewer(existing.EditedAt, incoming.EditedAt) {
		if existing.Text != nil {
			merged.Text = inbox.StringPointer(*existing.Text)
		} else {
			merged.Text = nil
		}
		merged.EditedAt = inbox.TimePointer(*existing.EditedAt)
	}

	switch {
	case existing.DeletedAt == nil:
	case incoming.DeletedAt == nil:
		merged.DeletedAt = inbox.TimePointer(*existing.DeletedAt)
	case existing.DeletedAt.Before(*incoming.DeletedAt):
		merged.DeletedAt = inbox.TimePointer(*existing.DeletedAt)
	}

	if merged.SendingStatus == "" {
		merged.SendingStatus = existing.SendingStatus
	}
	return merged
}

// editIsNewer reports whether the stored edit strictly postdates the incoming one.
func editIsNewer(stored, incoming *time.Time) bool {
	if stored == nil {
		return false
	}
	if incoming == nil {
		return true
	}
	return stored.After(*incoming)
}

// resolveDeal keeps the stored deal when the incoming snapshot is older.
func resolveDeal(existing *inbox.Deal, incoming inbox.Deal) (inbox.Deal, bool) {
	if existing == nil {
		return incoming, true
	}
	if !incoming.UpdatedAt.IsZero() && incoming.UpdatedAt.Before(existing.UpdatedAt) {
		return *existing, false
	}
	merged := incoming
	if existing.DeletedAt != nil && incoming.DeletedAt == nil {
		merged.DeletedAt = inbox.TimePointer(*existing.DeletedAt)
	}
	return merged, true
}
