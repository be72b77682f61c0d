// Package store holds the local view of messages, deals and read state.
// Mutations are expected to run on the event loop; the locks only give
// readers on other goroutines a consistent snapshot.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

var (
	// ErrMessageNotFound indicates that the store holds no message with the requested id.
	ErrMessageNotFound = errors.New("store: message not found")
	// ErrDealNotFound indicates that the store holds no deal with the requested id.
	ErrDealNotFound = errors.New("store: deal not found")
)

// ReadState is the last known read position for a conversation.
type ReadState struct {
	ConversationID    string     `json:"conversation_id"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at"`
	UnreadCount       int        `json:"unread_count"`
}

type messageEntry struct {
	message inbox.Message
	seq     int64
}

// MessageStore keeps messages per conversation ordered by sent_at, ties broken
// by arrival order.
type MessageStore struct {
	mu            sync.RWMutex
	entries       map[string]*messageEntry
	conversations map[string][]*messageEntry
	hidden        map[string]struct{}
	readStates    map[string]ReadState
	nextSeq       int64
	listeners     *listenerSet
}

// NewMessageStore constructs an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		entries:       make(map[string]*messageEntry),
		conversations: make(map[string][]*messageEntry),
		hidden:        make(map[string]struct{}),
		readStates:    make(map[string]ReadState),
		listeners:     newListenerSet(),
	}
}

// Subscribe registers listener for store-changed notifications.
func (s *MessageStore) Subscribe(listener Listener) func() {
	return s.listeners.add(listener)
}

// Upsert inserts the message when absent, otherwise merges it into the stored copy.
func (s *MessageStore) Upsert(message inbox.Message) (inbox.Message, error) {
	if _, err := inbox.NewMessageID(message.ID); err != nil {
		return inbox.Message{}, err
	}
	s.mu.Lock()
	entry, ok := s.entries[message.ID]
	var merged inbox.Message
	if ok {
		merged = resolveMessage(&entry.message, message)
		entry.message = merged
	} else {
		if _, err := inbox.NewConversationID(message.ConversationID); err != nil {
			s.mu.Unlock()
			return inbox.Message{}, err
		}
		merged = resolveMessage(nil, message)
		s.insertLocked(merged)
	}
	s.mu.Unlock()

	s.listeners.notify(messageChange(merged, ReasonUpserted))
	return merged.Clone(), nil
}

// Get returns a copy of the stored message, including hidden ones.
func (s *MessageStore) Get(messageID string) (inbox.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[messageID]
	if !ok {
		return inbox.Message{}, false
	}
	return entry.message.Clone(), true
}

// ScopeOf returns the conversation a stored message belongs to.
func (s *MessageStore) ScopeOf(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[messageID]
	if !ok {
		return "", false
	}
	return entry.message.ConversationID, true
}

// Messages returns the render set of a conversation in timeline order.
// Hidden messages are excluded; soft-deleted ones stay so the render layer
// can show a tombstone.
func (s *MessageStore) Messages(conversationID string) []inbox.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.conversations[conversationID]
	out := make([]inbox.Message, 0, len(entries))
	for _, entry := range entries {
		if _, hidden := s.hidden[entry.message.ID]; hidden {
			continue
		}
		out = append(out, entry.message.Clone())
	}
	return out
}

// Conversations lists conversation ids currently held.
func (s *MessageStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyEdit replaces the message text and stamps edited_at.
func (s *MessageStore) ApplyEdit(messageID, text string, editedAt time.Time) (inbox.Message, error) {
	s.mu.Lock()
	entry, ok := s.entries[messageID]
	if !ok {
		s.mu.Unlock()
		return inbox.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	entry.message.Text = inbox.StringPointer(text)
	entry.message.EditedAt = inbox.TimePointer(editedAt)
	updated := entry.message.Clone()
	s.mu.Unlock()

	s.listeners.notify(messageChange(updated, ReasonEdited))
	return updated, nil
}

// Hide removes the message from the render set without dropping it.
func (s *MessageStore) Hide(messageID string) error {
	s.mu.Lock()
	entry, ok := s.entries[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	s.hidden[messageID] = struct{}{}
	hidden := entry.message.Clone()
	s.mu.Unlock()

	s.listeners.notify(messageChange(hidden, ReasonHidden))
	return nil
}

// IsHidden reports whether the message was hidden locally.
func (s *MessageStore) IsHidden(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, hidden := s.hidden[messageID]
	return hidden
}

// MarkDeleted stamps deleted_at unless the message already carries one.
func (s *MessageStore) MarkDeleted(messageID string, deletedAt time.Time) (inbox.Message, error) {
	s.mu.Lock()
	entry, ok := s.entries[messageID]
	if !ok {
		s.mu.Unlock()
		return inbox.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if entry.message.DeletedAt == nil {
		entry.message.DeletedAt = inbox.TimePointer(deletedAt)
	}
	updated := entry.message.Clone()
	s.mu.Unlock()

	s.listeners.notify(messageChange(updated, ReasonDeleted))
	return updated, nil
}

// SetSendingStatus updates the delivery status of an outbound message.
func (s *MessageStore) SetSendingStatus(messageID string, status inbox.SendingStatus) error {
	s.mu.Lock()
	entry, ok := s.entries[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	entry.message.SendingStatus = status
	updated := entry.message.Clone()
	s.mu.Unlock()

	s.listeners.notify(messageChange(updated, ReasonStatus))
	return nil
}

// ReplaceClientID swaps an optimistic message for the server-confirmed one.
// When the server entity already arrived through the change stream the
// optimistic copy is simply dropped.
func (s *MessageStore) ReplaceClientID(clientID string, confirmed inbox.Message) (inbox.Message, error) {
	s.mu.Lock()
	if _, ok := s.entries[clientID]; !ok {
		s.mu.Unlock()
		return inbox.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, clientID)
	}
	s.removeLocked(clientID)
	var merged inbox.Message
	if entry, ok := s.entries[confirmed.ID]; ok {
		merged = resolveMessage(&entry.message, confirmed)
		entry.message = merged
	} else {
		merged = resolveMessage(nil, confirmed)
		s.insertLocked(merged)
	}
	s.mu.Unlock()

	s.listeners.notify(messageChange(merged, ReasonReplaced))
	return merged.Clone(), nil
}

// Retain drops every conversation not listed in conversationIDs.
func (s *MessageStore) Retain(conversationIDs []string) {
	keep := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		keep[id] = struct{}{}
	}
	var changes []Change
	s.mu.Lock()
	for conversationID := range s.conversations {
		if _, ok := keep[conversationID]; ok {
			continue
		}
		s.dropConversationLocked(conversationID)
		changes = append(changes, Change{Table: TableMessages, ScopeID: conversationID, Reason: ReasonDropped})
	}
	for conversationID := range s.readStates {
		if _, ok := keep[conversationID]; !ok {
			delete(s.readStates, conversationID)
		}
	}
	s.mu.Unlock()
	s.listeners.notify(changes...)
}

// Clear drops every conversation.
func (s *MessageStore) Clear() {
	s.Retain(nil)
}

// SetReadState records the result of a read-state query.
func (s *MessageStore) SetReadState(state ReadState) {
	s.mu.Lock()
	s.readStates[state.ConversationID] = state
	s.mu.Unlock()
	s.listeners.notify(Change{Table: TableMessages, ScopeID: state.ConversationID, Reason: ReasonReadState})
}

// ReadState returns the last queried read state of a conversation.
func (s *MessageStore) ReadState(conversationID string) (ReadState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.readStates[conversationID]
	return state, ok
}

// IsRead reports whether a stored message falls at or before the conversation's read mark.
func (s *MessageStore) IsRead(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[messageID]
	if !ok {
		return false
	}
	state, ok := s.readStates[entry.message.ConversationID]
	if !ok {
		return false
	}
	if state.LastReadMessageID == messageID {
		return true
	}
	if state.LastReadAt == nil {
		return false
	}
	return !entry.message.SentAt.After(*state.LastReadAt)
}

func (s *MessageStore) insertLocked(message inbox.Message) {
	s.nextSeq++
	entry := &messageEntry{message: message, seq: s.nextSeq}
	s.entries[message.ID] = entry

	ordered := s.conversations[message.ConversationID]
	index := sort.Search(len(ordered), func(i int) bool {
		return entryAfter(ordered[i], entry)
	})
	ordered = append(ordered, nil)
	copy(ordered[index+1:], ordered[index:])
	ordered[index] = entry
	s.conversations[message.ConversationID] = ordered
}

func (s *MessageStore) removeLocked(messageID string) {
	entry, ok := s.entries[messageID]
	if !ok {
		return
	}
	delete(s.entries, messageID)
	delete(s.hidden, messageID)
	conversationID := entry.message.ConversationID
	ordered := s.conversations[conversationID]
	for i, candidate := range ordered {
		if candidate == entry {
			ordered = append(ordered[:i], ordered[i+1:]...)
			break
		}
	}
	if len(ordered) == 0 {
		delete(s.conversations, conversationID)
		return
	}
	s.conversations[conversationID] = ordered
}

func (s *MessageStore) dropConversationLocked(conversationID string) {
	for _, entry := range s.conversations[conversationID] {
		delete(s.entries, entry.message.ID)
		delete(s.hidden, entry.message.ID)
	}
	delete(s.conversations, conversationID)
	delete(s.readStates, conversationID)
}

// entryAfter reports whether candidate sorts strictly after entry.
func entryAfter(candidate, entry *messageEntry) bool {
	if !candidate.message.SentAt.Equal(entry.message.SentAt) {
		return candidate.message.SentAt.After(entry.message.SentAt)
	}
	return candidate.seq > entry.seq
}

func messageChange(message inbox.Message, reason ChangeReason) Change {
	return Change{
		Table:    TableMessages,
		ScopeID:  message.ConversationID,
		EntityID: message.ID,
		Reason:   reason,
	}
}
