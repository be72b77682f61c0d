package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
)

// DefaultPollInterval is the presence polling cadence.
const DefaultPollInterval = time.Second

var errMissingReader = errors.New("presence: reader is required")

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Reader   Reader
	Interval time.Duration
	Clock    func() time.Time
	OnChange func(Snapshot)
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
}

// Tracker polls one presence key at a fixed interval.
type Tracker struct {
	reader   Reader
	interval time.Duration
	clock    func() time.Time
	onChange func(Snapshot)
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu         sync.Mutex
	generation uint64
	key        Key
	current    Snapshot
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewTracker validates cfg and constructs a stopped Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		reader:   cfg.Reader,
		interval: interval,
		clock:    clock,
		onChange: cfg.OnChange,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Start stops any running poller and begins polling key: once immediately,
// then every interval. An empty key polls nothing.
func (t *Tracker) Start(key Key) {
	t.Stop()

	kind, id, ok := key.Resolve()
	t.mu.Lock()
	t.key = key
	reset := !t.current.Equal(Snapshot{})
	t.current = Snapshot{}
	var ctx context.Context
	var done chan struct{}
	generation := t.generation
	if ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		t.cancel = cancel
		t.done = done
	}
	t.mu.Unlock()

	if reset && t.onChange != nil {
		t.onChange(Snapshot{})
	}
	if ok {
		go t.run(ctx, done, generation, kind, id)
	}
}

// Stop cancels polling and waits for the poller to exit. Reads that finish
// afterwards are discarded.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.generation++
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Current returns the last effective snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Key returns the key passed to the last Start.
func (t *Tracker) Key() Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

func (t *Tracker) run(ctx context.Context, done chan struct{}, generation uint64, kind KeyKind, id string) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.poll(ctx, generation, kind, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx, generation, kind, id)
		}
	}
}

func (t *Tracker) poll(ctx context.Context, generation uint64, kind KeyKind, id string) {
	row, found, err := t.reader.ReadPresence(ctx, kind, id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.metrics.PresencePolled("error")
		t.logger.Debug("presence read failed",
			zap.String("key_kind", string(kind)),
			zap.String("key_id", id),
			zap.Error(err))
		return
	}
	next := Snapshot{}
	if found {
		t.metrics.PresencePolled("ok")
		next = Effective(row, t.clock())
	} else {
		t.metrics.PresencePolled("missing")
	}
	t.apply(generation, next)
}

func (t *Tracker) apply(generation uint64, next Snapshot) {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return
	}
	changed := !t.current.Equal(next)
	t.current = next
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(next)
	}
}
