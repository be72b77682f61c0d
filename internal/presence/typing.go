package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errMissingWriter = errors.New("presence: writer is required")

const (
	defaultTypingTTL      = 5 * time.Second
	defaultTypingThrottle = 2 * time.Second
)

// TypingReporterConfig wires a TypingReporter.
type TypingReporterConfig struct {
	Writer   Writer
	TTL      time.Duration
	Throttle time.Duration
	Clock    func() time.Time
}

// TypingReporter writes the local user's typing state with an expiry,
// at most once per throttle window per key.
type TypingReporter struct {
	writer   Writer
	ttl      time.Duration
	throttle time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	lastSent map[Key]time.Time
}

// NewTypingReporter validates cfg and constructs a TypingReporter.
func NewTypingReporter(cfg TypingReporterConfig) (*TypingReporter, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultTypingThrottle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TypingReporter{
		writer:   cfg.Writer,
		ttl:      ttl,
		throttle: throttle,
		clock:    clock,
		lastSent: make(map[Key]time.Time),
	}, nil
}

// Typing records that the user is typing. It reports whether a write was issued.
func (r *TypingReporter) Typing(ctx context.Context, key Key) (bool, error) {
	kind, id, ok := key.Resolve()
	if !ok {
		return false, ErrMissingKey
	}
	now := r.clock()
	r.mu.Lock()
	if last, seen := r.lastSent[key]; seen && now.Sub(last) < r.throttle {
		r.mu.Unlock()
		return false, nil
	}
	r.lastSent[key] = now
	r.mu.Unlock()

	expiresAt := now.Add(r.ttl)
	row := Row{IsTyping: true, IsOnline: true, LastSeenAt: &now, TypingExpiresAt: &expiresAt}
	if err := r.writer.WritePresence(ctx, kind, id, row); err != nil {
		r.forget(key)
		return false, err
	}
	return true, nil
}

// StopTyping clears the typing flag immediately.
func (r *TypingReporter) StopTyping(ctx context.Context, key Key) error {
	kind, id, ok := key.Resolve()
	if !ok {
		return ErrMissingKey
	}
	r.forget(key)
	now := r.clock()
	return r.writer.WritePresence(ctx, kind, id, Row{IsOnline: true, LastSeenAt: &now})
}

func (r *TypingReporter) forget(key Key) {
	r.mu.Lock()
	delete(r.lastSent, key)
	r.mu.Unlock()
}
