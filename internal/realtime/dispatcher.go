package realtime

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
)

// Handler reacts to one change event. Handlers must be idempotent: the
// stream is at-least-once and nothing is deduplicated.
type Handler func(ChangeEvent) error

// Handlers is the registration table handed to Manager.Open.
type Handlers struct {
	Insert             []Handler
	Update             []Handler
	Delete             []Handler
	OnConnectionChange func(connected bool)
}

func (h Handlers) forKind(kind EventKind) []Handler {
	switch kind {
	case KindInsert:
		return h.Insert
	case KindUpdate:
		return h.Update
	case KindDelete:
		return h.Delete
	default:
		return nil
	}
}

// ScopeLookup resolves the scope of an entity the store already holds. It
// serves id-only delete images.
type ScopeLookup func(table, entityID string) (string, bool)

type registration struct {
	id      int64
	handler Handler
}

// Dispatcher routes change events that belong to its filter set to the
// handlers registered for the event kind.
type Dispatcher struct {
	mu            sync.RWMutex
	filter        FilterSet
	registrations map[EventKind][]registration
	nextID        int64
	lookup        ScopeLookup
	logger        *zap.Logger
	metrics       *telemetry.Metrics
}

// NewDispatcher constructs a Dispatcher bound to filter.
func NewDispatcher(filter FilterSet, lookup ScopeLookup, logger *zap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		filter:        filter,
		registrations: make(map[EventKind][]registration),
		lookup:        lookup,
		logger:        logger,
		metrics:       metrics,
	}
}

// Filter returns the filter set the dispatcher enforces.
func (d *Dispatcher) Filter() FilterSet {
	return d.filter
}

// Register appends handler for kind and returns a function that removes it.
func (d *Dispatcher) Register(kind EventKind, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.registrations[kind] = append(d.registrations[kind], registration{id: id, handler: handler})
	d.mu.Unlock()
	return func() {
		d.unregister(kind, id)
	}
}

// Replace swaps the whole registration table.
func (d *Dispatcher) Replace(handlers Handlers) {
	table := make(map[EventKind][]registration, 3)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kind := range []EventKind{KindInsert, KindUpdate, KindDelete} {
		for _, handler := range handlers.forKind(kind) {
			if handler == nil {
				continue
			}
			d.nextID++
			table[kind] = append(table[kind], registration{id: d.nextID, handler: handler})
		}
	}
	d.registrations = table
}

// HandlerCount returns how many handlers are registered for kind.
func (d *Dispatcher) HandlerCount(kind EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.registrations[kind])
}

// Dispatch runs every handler registered for the event kind, in
// registration order, when the entity belongs to the filter set. It reports
// whether the event was delivered.
func (d *Dispatcher) Dispatch(event ChangeEvent) bool {
	if event.Entity == nil {
		return false
	}
	if !d.accepts(event) {
		d.metrics.EventDropped(event.Table, "not_member")
		d.logger.Debug("change event outside filter set dropped",
			zap.String("table", event.Table),
			zap.String("entity_id", event.EntityID()),
			zap.String("filter", d.filter.Key()))
		return false
	}

	d.mu.RLock()
	current := d.registrations[event.Kind]
	handlers := make([]registration, len(current))
	copy(handlers, current)
	d.mu.RUnlock()

	for _, entry := range handlers {
		if err := d.invoke(entry.handler, event); err != nil {
			d.metrics.HandlerFailed(event.Table, string(event.Kind))
			d.logger.Error("change handler failed",
				zap.String("table", event.Table),
				zap.String("kind", string(event.Kind)),
				zap.String("entity_id", event.EntityID()),
				zap.Int64("handler_id", entry.id),
				zap.Error(err))
		}
	}
	return true
}

func (d *Dispatcher) accepts(event ChangeEvent) bool {
	if d.filter.IsZero() || event.Table != d.filter.Table() {
		return false
	}
	scope := event.Entity.ScopeID()
	if scope == "" && d.lookup != nil {
		resolved, ok := d.lookup(event.Table, event.EntityID())
		if !ok {
			return false
		}
		scope = resolved
	}
	return d.filter.Contains(scope)
}

func (d *Dispatcher) invoke(handler Handler, event ChangeEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(event)
}

func (d *Dispatcher) unregister(kind EventKind, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.registrations[kind]
	for index, entry := range current {
		if entry.id == id {
			next := make([]registration, 0, len(current)-1)
			next = append(next, current[:index]...)
			next = append(next, current[index+1:]...)
			d.registrations[kind] = next
			return
		}
	}
}
