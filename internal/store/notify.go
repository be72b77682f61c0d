package store

import (
	"slices"
	"sync"
)

// ChangeReason names the store mutation that produced a notification.
type ChangeReason string

const (
	ReasonUpserted  ChangeReason = "upserted"
	ReasonEdited    ChangeReason = "edited"
	ReasonHidden    ChangeReason = "hidden"
	ReasonDeleted   ChangeReason = "deleted"
	ReasonStatus    ChangeReason = "status"
	ReasonReplaced  ChangeReason = "replaced"
	ReasonReadState ChangeReason = "read_state"
	ReasonDropped   ChangeReason = "dropped"
)

const (
	TableMessages = "messages"
	TableDeals    = "deals"
)

// Change describes one store mutation. ScopeID is the conversation or pipeline.
type Change struct {
	Table    string       `json:"table"`
	ScopeID  string       `json:"scope_id"`
	EntityID string       `json:"entity_id,omitempty"`
	Reason   ChangeReason `json:"reason"`
}

// Listener receives store-changed notifications after the mutation is visible.
type Listener func(Change)

// listenerSet calls listeners in registration order.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []registeredListener
	nextID    int64
}

type registeredListener struct {
	id       int64
	listener Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{}
}

func (s *listenerSet) add(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, registeredListener{id: id, listener: listener})
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.listeners = slices.DeleteFunc(s.listeners, func(registered registeredListener) bool {
				return registered.id == id
			})
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	if len(s.listeners) == 0 {
		s.mu.RUnlock()
		return
	}
	copies := make([]Listener, 0, len(s.listeners))
	for _, registered := range s.listeners {
		copies = append(copies, registered.listener)
	}
	s.mu.RUnlock()
	for _, change := range changes {
		for _, listener := range copies {
			listener(change)
		}
	}
}
