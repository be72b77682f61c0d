package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/engine"
)

const defaultNotifierBuffer = 64

// Notifier fans engine notifications out to stream subscribers. A
// subscriber that falls behind loses notifications rather than blocking the
// engine.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]chan engine.Notification
	nextID      int64
	bufferSize  int
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int64]chan engine.Notification),
		bufferSize:  defaultNotifierBuffer,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan engine.Notification, func()) {
	stream := make(chan engine.Notification, n.bufferSize)
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subscribers[id] = stream
	n.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, id)
			n.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers notification to every subscriber without blocking.
func (n *Notifier) Publish(notification engine.Notification) {
	n.mu.RLock()
	copies := make([]chan engine.Notification, 0, len(n.subscribers))
	for _, stream := range n.subscribers {
		copies = append(copies, stream)
	}
	n.mu.RUnlock()
	for _, stream := range copies {
		select {
		case stream <- notification:
		default:
		}
	}
}

// SubscriberCount reports the number of live streams.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
