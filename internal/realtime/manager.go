package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/eventloop"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
)

var (
	errMissingTransport = errors.New("realtime: transport is required")
	errMissingScheduler = errors.New("realtime: scheduler is required")
)

// ConnectionState is the lifecycle state of a subscription handle.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateSubscribed ConnectionState = "subscribed"
	StateError      ConnectionState = "error"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Transport     Transport
	Scheduler     eventloop.Scheduler
	Normalizer    *Normalizer
	ScopeLookup   ScopeLookup
	ChannelPrefix string
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

// Manager owns at most one live subscription handle.
type Manager struct {
	mu            sync.Mutex
	transport     Transport
	scheduler     eventloop.Scheduler
	normalizer    *Normalizer
	lookup        ScopeLookup
	channelPrefix string
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	active        *Handle
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport:     cfg.Transport,
		scheduler:     cfg.Scheduler,
		normalizer:    normalizer,
		lookup:        cfg.ScopeLookup,
		channelPrefix: cfg.ChannelPrefix,
		logger:        logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Active returns the live handle, or nil.
func (m *Manager) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Open makes filter the active subscription. Opening the active filter
// again only refreshes the handler table, unless the handle is in
// StateError, in which case it is resubscribed. A different filter closes
// the previous handle first. A subscribe failure leaves the returned handle
// in StateError without returning an error.
func (m *Manager) Open(ctx context.Context, filter FilterSet, handlers Handlers) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filter.IsZero() {
		if m.active != nil {
			m.closeLocked(ctx, m.active)
		}
		return nil, ErrEmptyFilterSet
	}

	if m.active != nil && m.active.filter.Equal(filter) {
		m.active.replaceHandlers(handlers)
		if m.active.State() == StateError {
			m.resubscribeLocked(ctx, m.active)
		}
		return m.active, nil
	}
	if m.active != nil {
		m.closeLocked(ctx, m.active)
	}

	handle := &Handle{
		manager:    m,
		channel:    filter.ChannelName(m.channelPrefix),
		filter:     filter,
		dispatcher: NewDispatcher(filter, m.lookup, m.logger, m.metrics),
		state:      StateIdle,
		active:     true,
	}
	handle.replaceHandlers(handlers)
	m.active = handle
	m.subscribeLocked(ctx, handle, handle.nextAttempt())
	return handle, nil
}

// resubscribeLocked drops the failed subscription of handle and subscribes
// again. Callbacks of the dropped subscription are ignored from here on.
func (m *Manager) resubscribeLocked(ctx context.Context, handle *Handle) {
	attempt := handle.nextAttempt()
	if stale := handle.takeSubscription(); stale != nil {
		if err := stale.Unsubscribe(ctx); err != nil {
			m.logger.Debug("unsubscribe of failed subscription",
				zap.String("channel", handle.channel),
				zap.Error(err))
		}
	}
	m.logger.Info("resubscribing after error", zap.String("channel", handle.channel))
	m.subscribeLocked(ctx, handle, attempt)
}

func (m *Manager) subscribeLocked(ctx context.Context, handle *Handle, attempt int) {
	if notify := handle.transition(StateConnecting); notify != nil {
		m.scheduler.Post(notify)
	}

	logger := m.logger.With(zap.String("channel", handle.channel), zap.String("filter", handle.filter.Key()))
	logger.Debug("opening subscription")

	subscription, err := m.transport.Subscribe(context.WithoutCancel(ctx), SubscribeRequest{
		Channel: handle.channel,
		Table:   handle.filter.Table(),
		OnPayload: func(raw RawPayload) {
			handle.receive(attempt, raw)
		},
		OnStatus: func(status TransportStatus, cause error) {
			handle.observe(attempt, status, cause)
		},
	})
	if err != nil {
		logger.Error("subscribe failed", zap.Error(err))
		if notify := handle.transition(StateError); notify != nil {
			m.scheduler.Post(notify)
		}
		return
	}
	handle.setSubscription(subscription)
}

// Close unsubscribes handle and resets its state. Closing an inactive
// handle is a no-op.
func (m *Manager) Close(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx, handle)
}

func (m *Manager) closeLocked(ctx context.Context, handle *Handle) error {
	subscription, wasActive := handle.deactivate()
	if m.active == handle {
		m.active = nil
	}
	if !wasActive {
		return nil
	}
	var err error
	if subscription != nil {
		if err = subscription.Unsubscribe(ctx); err != nil {
			m.logger.Warn("unsubscribe failed",
				zap.String("channel", handle.channel),
				zap.Error(err))
		}
	}
	if notify := handle.transition(StateIdle); notify != nil {
		m.scheduler.Post(notify)
	}
	m.logger.Debug("subscription closed", zap.String("channel", handle.channel))
	return err
}

// Handle is the connection context of one filter set.
type Handle struct {
	manager    *Manager
	channel    string
	filter     FilterSet
	dispatcher *Dispatcher

	mu                 sync.Mutex
	state              ConnectionState
	active             bool
	attempt            int
	subscription       Subscription
	onConnectionChange func(bool)
}

// Channel returns the transport channel name.
func (h *Handle) Channel() string {
	return h.channel
}

// Filter returns the filter set the handle serves.
func (h *Handle) Filter() FilterSet {
	return h.filter
}

// Dispatcher exposes the handle's handler registry.
func (h *Handle) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Register adds a handler without resubscribing.
func (h *Handle) Register(kind EventKind, handler Handler) func() {
	return h.dispatcher.Register(kind, handler)
}

// State returns the connection state.
func (h *Handle) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsActive reports whether the handle has not been closed.
func (h *Handle) IsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Handle) replaceHandlers(handlers Handlers) {
	h.dispatcher.Replace(handlers)
	h.mu.Lock()
	h.onConnectionChange = handlers.OnConnectionChange
	h.mu.Unlock()
}

func (h *Handle) setSubscription(subscription Subscription) {
	h.mu.Lock()
	h.subscription = subscription
	h.mu.Unlock()
}

func (h *Handle) takeSubscription() Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscription := h.subscription
	h.subscription = nil
	return subscription
}

func (h *Handle) nextAttempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt++
	return h.attempt
}

// current reports whether callbacks of attempt may still act on the handle.
func (h *Handle) current(attempt int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active && h.attempt == attempt
}

func (h *Handle) deactivate() (Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return nil, false
	}
	h.active = false
	subscription := h.subscription
	h.subscription = nil
	return subscription, true
}

// transition moves the handle to next and returns the connection-change
// notification to deliver, if any.
func (h *Handle) transition(next ConnectionState) func() {
	h.mu.Lock()
	previous := h.state
	if previous == next {
		h.mu.Unlock()
		return nil
	}
	h.state = next
	callback := h.onConnectionChange
	h.mu.Unlock()

	var connected bool
	switch {
	case next == StateSubscribed:
		connected = true
	case previous == StateSubscribed, next == StateError:
		connected = false
	default:
		return nil
	}
	metrics := h.manager.metrics
	return func() {
		metrics.SetConnected(connected)
		if callback != nil {
			callback(connected)
		}
	}
}

// receive runs on the transport's goroutine.
func (h *Handle) receive(attempt int, raw RawPayload) {
	m := h.manager
	m.metrics.EventReceived(raw.Table)
	if raw.Table != h.filter.Table() {
		m.metrics.EventDropped(raw.Table, "wrong_table")
		return
	}
	if scope, ok := m.normalizer.PeekScope(raw); ok && !h.filter.Contains(scope) {
		m.metrics.EventDropped(raw.Table, "not_member")
		m.logger.Debug("payload outside filter set dropped",
			zap.String("channel", h.channel),
			zap.String("scope_id", scope))
		return
	}

	posted := m.scheduler.Post(func() {
		if !h.current(attempt) {
			m.metrics.EventDropped(raw.Table, "inactive")
			return
		}
		event, err := m.normalizer.Normalize(raw)
		if err != nil {
			m.metrics.EventDropped(raw.Table, "malformed")
			m.logger.Warn("malformed change payload dropped",
				zap.String("channel", h.channel),
				zap.String("event_type", raw.EventType),
				zap.Error(err))
			return
		}
		h.dispatcher.Dispatch(event)
	})
	if !posted {
		m.metrics.EventDropped(raw.Table, "loop_stopped")
	}
}

// observe runs on the transport's goroutine.
func (h *Handle) observe(attempt int, status TransportStatus, cause error) {
	m := h.manager
	m.scheduler.Post(func() {
		if !h.current(attempt) {
			return
		}
		var next ConnectionState
		switch status {
		case StatusSubscribed:
			next = StateSubscribed
		case StatusChannelError, StatusTimedOut:
			next = StateError
		case StatusClosed:
			next = StateIdle
		default:
			m.logger.Warn("unknown transport status", zap.String("status", string(status)))
			return
		}
		if cause != nil {
			m.logger.Warn("transport status changed",
				zap.String("channel", h.channel),
				zap.String("status", string(status)),
				zap.Error(cause))
		}
		if notify := h.transition(next); notify != nil {
			notify()
		}
	})
}
