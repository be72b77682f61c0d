// Package engine wires the event loop, the local stores, the subscription
// manager, the presence tracker and the mutation coordinator into one
// sync session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/eventloop"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/presence"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/store"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/timeline"
)

var (
	ErrInvalidEngineConfig = errors.New("engine: invalid config")
	// ErrNotStarted is returned by operations that need the event loop before Start.
	ErrNotStarted = errors.New("engine: not started")
	// ErrMutationAborted is returned when a mutation step panicked on the event loop.
	ErrMutationAborted = errors.New("engine: mutation aborted")
	// ErrTypingUnavailable is returned by Typing when no presence writer is configured.
	ErrTypingUnavailable = errors.New("engine: typing reporter not configured")
)

// NotificationKind tags what changed.
type NotificationKind string

const (
	NotifyStore      NotificationKind = "store"
	NotifyPresence   NotificationKind = "presence"
	NotifyConnection NotificationKind = "connection"
)

// Notification tells the render layer that something it shows changed.
type Notification struct {
	Kind      NotificationKind   `json:"kind"`
	Change    *store.Change      `json:"change,omitempty"`
	Presence  *presence.Snapshot `json:"presence,omitempty"`
	Connected *bool              `json:"connected,omitempty"`
}

// Config wires an Engine.
type Config struct {
	Transport        realtime.Transport
	API              mutation.API
	PresenceReader   presence.Reader
	PresenceWriter   presence.Writer
	Journal          *mutation.Journal
	ChannelPrefix    string
	PresenceInterval time.Duration
	Location         *time.Location
	QueueSize        int
	Clock            func() time.Time
	OnNotify         func(Notification)
	Logger           *zap.Logger
	Metrics          *telemetry.Metrics
}

// View is the set of conversations the user is looking at.
type View struct {
	ConversationIDs       []string `json:"conversation_ids"`
	FocusedConversationID string   `json:"focused_conversation_id,omitempty"`
	IdentityID            string   `json:"identity_id,omitempty"`
}

// Engine is one sync session.
type Engine struct {
	loop        *eventloop.Loop
	messages    *store.MessageStore
	deals       *store.DealStore
	manager     *realtime.Manager
	tracker     *presence.Tracker
	coordinator *mutation.Coordinator
	typing      *presence.TypingReporter
	location    *time.Location
	clock       func() time.Time
	onNotify    func(Notification)
	logger      *zap.Logger

	// viewMu serializes view switches so the subscription, the stores and
	// the recorded view always describe the same filter.
	viewMu sync.Mutex

	mu          sync.Mutex
	started     bool
	stopLoop    context.CancelFunc
	connected   bool
	view        View
	pipelineID  string
	unsubscribe []func()
}

// New validates cfg and constructs a stopped Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidEngineConfig)
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("%w: api is required", ErrInvalidEngineConfig)
	}
	if cfg.PresenceReader == nil {
		return nil, fmt.Errorf("%w: presence reader is required", ErrInvalidEngineConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	e := &Engine{
		loop:     eventloop.New(cfg.QueueSize, logger.Named("loop")),
		messages: store.NewMessageStore(),
		deals:    store.NewDealStore(),
		location: location,
		clock:    clock,
		onNotify: cfg.OnNotify,
		logger:   logger,
	}

	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Transport:     cfg.Transport,
		Scheduler:     e.loop,
		Normalizer:    realtime.NewNormalizer(),
		ScopeLookup:   e.scopeOf,
		ChannelPrefix: cfg.ChannelPrefix,
		Logger:        logger.Named("realtime"),
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, err)
	}
	e.manager = manager

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Reader:   cfg.PresenceReader,
		Interval: cfg.PresenceInterval,
		Clock:    clock,
		OnChange: e.presenceChanged,
		Logger:   logger.Named("presence"),
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, err)
	}
	e.tracker = tracker

	coordinator, err := mutation.NewCoordinator(mutation.CoordinatorConfig{
		API:       cfg.API,
		Messages:  e.messages,
		Deals:     e.deals,
		Scheduler: e.loop,
		Journal:   cfg.Journal,
		Clock:     clock,
		Logger:    logger.Named("mutation"),
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, err)
	}
	e.coordinator = coordinator

	if cfg.PresenceWriter != nil {
		typing, err := presence.NewTypingReporter(presence.TypingReporterConfig{Writer: cfg.PresenceWriter, Clock: clock})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, err)
		}
		e.typing = typing
	}

	e.unsubscribe = append(e.unsubscribe,
		e.messages.Subscribe(e.storeChanged),
		e.deals.Subscribe(e.storeChanged),
	)
	return e, nil
}

// Start runs the event loop until Close or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.stopLoop = cancel
	e.started = true
	go e.loop.Run(loopCtx)
}

// ShowConversations makes view the active subscription. Messages of
// conversations outside the view are dropped. The focused conversation, or
// the identity when none is focused, drives presence, and the focused
// conversation's read state is queried once.
func (e *Engine) ShowConversations(ctx context.Context, view View) error {
	filter, filterErr := realtime.NewConversationFilter(view.ConversationIDs...)
	if filterErr != nil && !errors.Is(filterErr, realtime.ErrEmptyFilterSet) {
		return filterErr
	}
	if err := e.requireStarted(); err != nil {
		return err
	}
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	_, err := e.manager.Open(ctx, filter, realtime.Handlers{
		Insert:             []realtime.Handler{e.upsertMessage, e.coordinator.Reconcile},
		Update:             []realtime.Handler{e.upsertMessage, e.coordinator.Reconcile},
		Delete:             []realtime.Handler{e.deleteMessage, e.coordinator.Reconcile},
		OnConnectionChange: e.connectionChanged,
	})
	if err != nil && !errors.Is(err, realtime.ErrEmptyFilterSet) {
		return err
	}

	if err := e.loop.Do(ctx, func() {
		e.messages.Retain(filter.IDs())
		e.deals.Retain("")
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.view = View{
		ConversationIDs:       filter.IDs(),
		FocusedConversationID: view.FocusedConversationID,
		IdentityID:            view.IdentityID,
	}
	e.pipelineID = ""
	e.mu.Unlock()

	e.tracker.Start(presence.Key{ConversationID: view.FocusedConversationID, IdentityID: view.IdentityID})
	if view.FocusedConversationID != "" {
		if err := e.coordinator.RefreshReadState(ctx, view.FocusedConversationID); err != nil {
			e.logger.Warn("read state refresh skipped",
				zap.String("conversation_id", view.FocusedConversationID),
				zap.Error(err))
		}
	}
	if filterErr != nil {
		return filterErr
	}
	return nil
}

// ShowPipeline makes one pipeline the active subscription. Messages are
// dropped and presence polling stops.
func (e *Engine) ShowPipeline(ctx context.Context, pipelineID string) error {
	filter, err := realtime.NewPipelineFilter(pipelineID)
	if err != nil {
		return err
	}
	if err := e.requireStarted(); err != nil {
		return err
	}
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	if _, err := e.manager.Open(ctx, filter, realtime.Handlers{
		Insert:             []realtime.Handler{e.upsertDeal, e.coordinator.Reconcile},
		Update:             []realtime.Handler{e.upsertDeal, e.coordinator.Reconcile},
		Delete:             []realtime.Handler{e.deleteDeal, e.coordinator.Reconcile},
		OnConnectionChange: e.connectionChanged,
	}); err != nil {
		return err
	}
	pipeline := filter.IDs()[0]
	if err := e.loop.Do(ctx, func() {
		e.messages.Clear()
		e.deals.Retain(pipeline)
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.view = View{}
	e.pipelineID = pipeline
	e.mu.Unlock()
	e.tracker.Stop()
	return nil
}

// Teardown closes the active subscription, stops presence polling and drops
// every stored entity.
func (e *Engine) Teardown(ctx context.Context) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	closeErr := e.manager.Close(ctx, e.manager.Active())
	e.tracker.Stop()
	e.mu.Lock()
	e.view = View{}
	e.pipelineID = ""
	started := e.started
	e.mu.Unlock()
	if started {
		if err := e.loop.Do(ctx, func() {
			e.messages.Clear()
			e.deals.Retain("")
		}); err != nil && !errors.Is(err, eventloop.ErrStopped) {
			return err
		}
	}
	return closeErr
}

// Close tears the session down, waits for in-flight mutations and stops the
// event loop.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Teardown(ctx)
	e.coordinator.Wait()
	e.mu.Lock()
	stop := e.stopLoop
	started := e.started
	e.stopLoop = nil
	e.started = false
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	if stop != nil {
		stop()
	}
	if started {
		select {
		case <-e.loop.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Flush waits until every step posted so far has run on the event loop.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.requireStarted(); err != nil {
		return err
	}
	return e.loop.Do(ctx, func() {})
}

// Timeline returns the render items of one conversation.
func (e *Engine) Timeline(conversationID string) []timeline.Item {
	return timeline.Build(e.messages.Messages(conversationID), e.location)
}

// Message returns one stored message.
func (e *Engine) Message(messageID string) (inbox.Message, bool) {
	return e.messages.Get(messageID)
}

// ReadState returns the last queried read state of a conversation.
func (e *Engine) ReadState(conversationID string) (store.ReadState, bool) {
	return e.messages.ReadState(conversationID)
}

// Deals returns the live deals of a pipeline.
func (e *Engine) Deals(pipelineID string) []inbox.Deal {
	return e.deals.Deals(pipelineID)
}

// Presence returns the current presence snapshot.
func (e *Engine) Presence() presence.Snapshot {
	return e.tracker.Current()
}

// Connected reports whether the active subscription is live.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// ConnectionState returns the state of the active handle, or idle.
func (e *Engine) ConnectionState() realtime.ConnectionState {
	if handle := e.manager.Active(); handle != nil {
		return handle.State()
	}
	return realtime.StateIdle
}

// CurrentView returns the active conversation view and pipeline id.
func (e *Engine) CurrentView() (View, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := e.view
	view.ConversationIDs = append([]string(nil), e.view.ConversationIDs...)
	return view, e.pipelineID
}

// Edit applies the edit on the event loop and issues the request.
func (e *Engine) Edit(ctx context.Context, messageID, text string) error {
	return e.mutate(ctx, func() error {
		return e.coordinator.Edit(ctx, messageID, text)
	})
}

func (e *Engine) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	return e.mutate(ctx, func() error {
		return e.coordinator.Delete(ctx, messageID, forEveryone)
	})
}

func (e *Engine) Pin(ctx context.Context, messageID string) error {
	return e.mutate(ctx, func() error {
		return e.coordinator.Pin(ctx, messageID)
	})
}

func (e *Engine) Unpin(ctx context.Context, messageID string) error {
	return e.mutate(ctx, func() error {
		return e.coordinator.Unpin(ctx, messageID)
	})
}

func (e *Engine) Send(ctx context.Context, request mutation.SendRequest) (inbox.Message, error) {
	return onLoop(ctx, e, func() (inbox.Message, error) {
		return e.coordinator.Send(ctx, request)
	})
}

func (e *Engine) MoveDeal(ctx context.Context, dealID, stageID string, position float64) error {
	return e.mutate(ctx, func() error {
		return e.coordinator.MoveDeal(ctx, dealID, stageID, position)
	})
}

func (e *Engine) mutate(ctx context.Context, fn func() error) error {
	_, err := onLoop(ctx, e, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// onLoop runs fn on the event loop, where every store write happens, and
// returns its result. Mutations need a running loop.
func onLoop[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	var zero T
	if err := e.requireStarted(); err != nil {
		return zero, err
	}
	result := make(chan outcome, 1)
	if err := e.loop.Do(ctx, func() {
		value, err := fn()
		result <- outcome{value: value, err: err}
	}); err != nil {
		return zero, err
	}
	select {
	case done := <-result:
		return done.value, done.err
	default:
		return zero, ErrMutationAborted
	}
}

// Typing reports that the local user is typing in a conversation.
func (e *Engine) Typing(ctx context.Context, conversationID string, active bool) error {
	if e.typing == nil {
		return ErrTypingUnavailable
	}
	key := presence.Key{ConversationID: conversationID}
	if !active {
		return e.typing.StopTyping(ctx, key)
	}
	_, err := e.typing.Typing(ctx, key)
	return err
}

// WaitMutations blocks until in-flight mutation requests finish.
func (e *Engine) WaitMutations() {
	e.coordinator.Wait()
}

func (e *Engine) requireStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

func (e *Engine) scopeOf(table, entityID string) (string, bool) {
	switch table {
	case store.TableMessages:
		return e.messages.ScopeOf(entityID)
	case store.TableDeals:
		return e.deals.ScopeOf(entityID)
	default:
		return "", false
	}
}

func (e *Engine) upsertMessage(event realtime.ChangeEvent) error {
	message, ok := event.Message()
	if !ok {
		return fmt.Errorf("engine: %s event without message", event.Kind)
	}
	_, err := e.messages.Upsert(message)
	return err
}

// deleteMessage marks the message deleted. Delete images may carry only the
// id; a full image of an unknown message is stored as a tombstone.
func (e *Engine) deleteMessage(event realtime.ChangeEvent) error {
	message, ok := event.Message()
	if !ok {
		return fmt.Errorf("engine: %s event without message", event.Kind)
	}
	deletedAt := e.clock().UTC()
	if message.DeletedAt != nil {
		deletedAt = *message.DeletedAt
	}
	_, err := e.messages.MarkDeleted(message.ID, deletedAt)
	if errors.Is(err, store.ErrMessageNotFound) {
		if message.Validate() != nil {
			return nil
		}
		message.DeletedAt = inbox.TimePointer(deletedAt)
		_, err = e.messages.Upsert(message)
	}
	return err
}

func (e *Engine) upsertDeal(event realtime.ChangeEvent) error {
	deal, ok := event.Deal()
	if !ok {
		return fmt.Errorf("engine: %s event without deal", event.Kind)
	}
	if _, applied := e.deals.Upsert(deal); !applied {
		e.logger.Debug("stale deal snapshot ignored",
			zap.String("deal_id", deal.ID),
			zap.Time("updated_at", deal.UpdatedAt))
	}
	return nil
}

func (e *Engine) deleteDeal(event realtime.ChangeEvent) error {
	deal, ok := event.Deal()
	if !ok {
		return fmt.Errorf("engine: %s event without deal", event.Kind)
	}
	deletedAt := e.clock().UTC()
	if deal.DeletedAt != nil {
		deletedAt = *deal.DeletedAt
	}
	if _, err := e.deals.MarkDeleted(deal.ID, deletedAt); err != nil && !errors.Is(err, store.ErrDealNotFound) {
		return err
	}
	return nil
}

// connectionChanged runs on the event loop, possibly while the manager
// holds its lock; it must not call back into the manager.
func (e *Engine) connectionChanged(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
	e.notify(Notification{Kind: NotifyConnection, Connected: &connected})
}

func (e *Engine) presenceChanged(snapshot presence.Snapshot) {
	e.notify(Notification{Kind: NotifyPresence, Presence: &snapshot})
}

func (e *Engine) storeChanged(change store.Change) {
	e.notify(Notification{Kind: NotifyStore, Change: &change})
}

func (e *Engine) notify(notification Notification) {
	if e.onNotify != nil {
		e.onNotify(notification)
	}
}
