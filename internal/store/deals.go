package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

// DealStore keeps pipeline deals ordered by stage then position.
type DealStore struct {
	mu        sync.RWMutex
	deals     map[string]inbox.Deal
	listeners *listenerSet
}

// NewDealStore constructs an empty DealStore.
func NewDealStore() *DealStore {
	return &DealStore{
		deals:     make(map[string]inbox.Deal),
		listeners: newListenerSet(),
	}
}

// Subscribe registers listener for store-changed notifications.
func (s *DealStore) Subscribe(listener Listener) func() {
	return s.listeners.add(listener)
}

// Upsert inserts or replaces a deal unless the stored copy is newer.
func (s *DealStore) Upsert(deal inbox.Deal) (inbox.Deal, bool) {
	s.mu.Lock()
	var existing *inbox.Deal
	if stored, ok := s.deals[deal.ID]; ok {
		existing = &stored
	}
	merged, applied := resolveDeal(existing, deal)
	if applied {
		s.deals[deal.ID] = merged
	}
	s.mu.Unlock()

	if applied {
		s.listeners.notify(dealChange(merged, ReasonUpserted))
	}
	return merged, applied
}

// Get returns the stored deal.
func (s *DealStore) Get(dealID string) (inbox.Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deal, ok := s.deals[dealID]
	return deal, ok
}

// ScopeOf returns the pipeline a stored deal belongs to.
func (s *DealStore) ScopeOf(dealID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deal, ok := s.deals[dealID]
	if !ok {
		return "", false
	}
	return deal.PipelineID, true
}

// Move places the deal in stageID at position and stamps updated_at.
func (s *DealStore) Move(dealID, stageID string, position float64, movedAt time.Time) (inbox.Deal, error) {
	s.mu.Lock()
	deal, ok := s.deals[dealID]
	if !ok {
		s.mu.Unlock()
		return inbox.Deal{}, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	deal.StageID = stageID
	deal.Position = position
	deal.UpdatedAt = movedAt
	s.deals[dealID] = deal
	s.mu.Unlock()

	s.listeners.notify(dealChange(deal, ReasonUpserted))
	return deal, nil
}

// MarkDeleted stamps deleted_at on the stored deal.
func (s *DealStore) MarkDeleted(dealID string, deletedAt time.Time) (inbox.Deal, error) {
	s.mu.Lock()
	deal, ok := s.deals[dealID]
	if !ok {
		s.mu.Unlock()
		return inbox.Deal{}, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	if deal.DeletedAt == nil {
		deal.DeletedAt = inbox.TimePointer(deletedAt)
	}
	s.deals[dealID] = deal
	s.mu.Unlock()

	s.listeners.notify(dealChange(deal, ReasonDeleted))
	return deal, nil
}

// Deals returns the live deals of a pipeline ordered by stage, position and id.
func (s *DealStore) Deals(pipelineID string) []inbox.Deal {
	s.mu.RLock()
	out := make([]inbox.Deal, 0, len(s.deals))
	for _, deal := range s.deals {
		if deal.PipelineID != pipelineID || deal.DeletedAt != nil {
			continue
		}
		out = append(out, deal)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StageID != out[j].StageID {
			return out[i].StageID < out[j].StageID
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Retain drops every deal outside pipelineID. An empty id clears the store.
func (s *DealStore) Retain(pipelineID string) {
	var changes []Change
	s.mu.Lock()
	for id, deal := range s.deals {
		if pipelineID != "" && deal.PipelineID == pipelineID {
			continue
		}
		delete(s.deals, id)
		changes = append(changes, dealChange(deal, ReasonDropped))
	}
	s.mu.Unlock()
	s.listeners.notify(changes...)
}

func dealChange(deal inbox.Deal, reason ChangeReason) Change {
	return Change{
		Table:    TableDeals,
		ScopeID:  deal.PipelineID,
		EntityID: deal.ID,
		Reason:   reason,
	}
}
