package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/store"
)

// ErrMalformedPayload indicates that a raw payload cannot be turned into a change event.
var ErrMalformedPayload = errors.New("realtime: malformed payload")

// TableDecoder decodes one row image. When full is false only the id is
// required (delete images often carry just the primary key).
type TableDecoder struct {
	ScopeColumn string
	Decode      func(snapshot json.RawMessage, full bool) (inbox.Entity, error)
}

// Normalizer converts raw payloads into validated change events.
type Normalizer struct {
	mu       sync.RWMutex
	decoders map[string]TableDecoder
}

// NewNormalizer returns a Normalizer that understands the messages and deals tables.
func NewNormalizer() *Normalizer {
	n := &Normalizer{decoders: make(map[string]TableDecoder)}
	n.RegisterTable(store.TableMessages, TableDecoder{ScopeColumn: "conversation_id", Decode: decodeMessage})
	n.RegisterTable(store.TableDeals, TableDecoder{ScopeColumn: "pipeline_id", Decode: decodeDeal})
	return n
}

// RegisterTable installs or replaces the decoder for table.
func (n *Normalizer) RegisterTable(table string, decoder TableDecoder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decoders[table] = decoder
}

func (n *Normalizer) decoder(table string) (TableDecoder, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	decoder, ok := n.decoders[table]
	return decoder, ok
}

// Normalize maps a raw payload onto a change event. Insert and Update read
// the new image, Delete reads the old one.
func (n *Normalizer) Normalize(raw RawPayload) (ChangeEvent, error) {
	var kind EventKind
	switch strings.ToUpper(strings.TrimSpace(raw.EventType)) {
	case EventTypeInsert:
		kind = KindInsert
	case EventTypeUpdate:
		kind = KindUpdate
	case EventTypeDelete:
		kind = KindDelete
	default:
		return ChangeEvent{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, raw.EventType)
	}

	decoder, ok := n.decoder(raw.Table)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: unknown table %q", ErrMalformedPayload, raw.Table)
	}

	snapshot := raw.New
	if kind == KindDelete {
		snapshot = raw.Old
	}
	if isEmptySnapshot(snapshot) {
		return ChangeEvent{}, fmt.Errorf("%w: %s on %s without snapshot", ErrMalformedPayload, kind, raw.Table)
	}

	entity, err := decoder.Decode(snapshot, kind != KindDelete)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(entity.EntityID()) == "" {
		return ChangeEvent{}, fmt.Errorf("%w: %s on %s without id", ErrMalformedPayload, kind, raw.Table)
	}
	return ChangeEvent{Kind: kind, Table: raw.Table, Entity: entity}, nil
}

// PeekScope reads the scope column from the payload's row image without a
// full decode. ok is false when the table is unknown or the column is absent.
func (n *Normalizer) PeekScope(raw RawPayload) (string, bool) {
	decoder, found := n.decoder(raw.Table)
	if !found || decoder.ScopeColumn == "" {
		return "", false
	}
	snapshot := raw.Snapshot()
	if isEmptySnapshot(snapshot) {
		return "", false
	}
	var columns map[string]json.RawMessage
	if err := json.Unmarshal(snapshot, &columns); err != nil {
		return "", false
	}
	value, found := columns[decoder.ScopeColumn]
	if !found {
		return "", false
	}
	var scope string
	if err := json.Unmarshal(value, &scope); err != nil || scope == "" {
		return "", false
	}
	return scope, true
}

func decodeMessage(snapshot json.RawMessage, full bool) (inbox.Entity, error) {
	var message inbox.Message
	if err := json.Unmarshal(snapshot, &message); err != nil {
		return nil, err
	}
	message.ID = strings.TrimSpace(message.ID)
	if !full {
		if _, err := inbox.NewMessageID(message.ID); err != nil {
			return nil, err
		}
		return message, nil
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return message, nil
}

func decodeDeal(snapshot json.RawMessage, full bool) (inbox.Entity, error) {
	var deal inbox.Deal
	if err := json.Unmarshal(snapshot, &deal); err != nil {
		return nil, err
	}
	deal.ID = strings.TrimSpace(deal.ID)
	if !full {
		if deal.ID == "" {
			return nil, inbox.ErrInvalidDealID
		}
		return deal, nil
	}
	if err := deal.Validate(); err != nil {
		return nil, err
	}
	return deal, nil
}
