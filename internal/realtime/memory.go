package realtime

import (
	"context"
	"sort"
	"sync"
)

// MemoryTransport fans payloads out to in-process subscribers. Delivery is
// synchronous on the publisher's goroutine.
type MemoryTransport struct {
	mu           sync.RWMutex
	subscribers  map[string]map[int64]*memorySubscription
	nextID       int64
	subscribeErr error
}

type memorySubscription struct {
	id        int64
	transport *MemoryTransport
	request   SubscribeRequest
	once      sync.Once
}

// NewMemoryTransport constructs an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subscribers: make(map[string]map[int64]*memorySubscription),
	}
}

// FailSubscribes makes every following Subscribe return err. A nil err
// restores normal behaviour.
func (t *MemoryTransport) FailSubscribes(err error) {
	t.mu.Lock()
	t.subscribeErr = err
	t.mu.Unlock()
}

func (t *MemoryTransport) Subscribe(ctx context.Context, request SubscribeRequest) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.subscribeErr != nil {
		err := t.subscribeErr
		t.mu.Unlock()
		return nil, err
	}
	t.nextID++
	subscription := &memorySubscription{id: t.nextID, transport: t, request: request}
	if _, ok := t.subscribers[request.Table]; !ok {
		t.subscribers[request.Table] = make(map[int64]*memorySubscription)
	}
	t.subscribers[request.Table][subscription.id] = subscription
	t.mu.Unlock()

	request.emitStatus(StatusSubscribed, nil)
	return subscription, nil
}

// Publish delivers payload to every subscriber of its table in subscription
// order and returns how many received it.
func (t *MemoryTransport) Publish(payload RawPayload) int {
	subscribers := t.snapshot(payload.Table)
	for _, subscriber := range subscribers {
		subscriber.request.emitPayload(payload)
	}
	return len(subscribers)
}

// EmitStatus reports status to every subscriber of table.
func (t *MemoryTransport) EmitStatus(table string, status TransportStatus, err error) {
	for _, subscriber := range t.snapshot(table) {
		subscriber.request.emitStatus(status, err)
	}
}

// SubscriberCount returns the number of live subscriptions on table.
func (t *MemoryTransport) SubscriberCount(table string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers[table])
}

func (t *MemoryTransport) snapshot(table string) []*memorySubscription {
	t.mu.RLock()
	subscribers := t.subscribers[table]
	copies := make([]*memorySubscription, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	t.mu.RUnlock()
	sort.Slice(copies, func(i, j int) bool { return copies[i].id < copies[j].id })
	return copies
}

func (s *memorySubscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		t := s.transport
		t.mu.Lock()
		subscribers := t.subscribers[s.request.Table]
		if subscribers != nil {
			delete(subscribers, s.id)
			if len(subscribers) == 0 {
				delete(t.subscribers, s.request.Table)
			}
		}
		t.mu.Unlock()
		s.request.emitStatus(StatusClosed, nil)
	})
	return nil
}
