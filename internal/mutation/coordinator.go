// Package mutation applies local edits optimistically and issues the matching
// server requests in the background. Failed requests are journaled and
// logged; the optimistic state is never rolled back.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/api"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/eventloop"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/store"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
)

const opReadState = "read_state"

var (
	ErrInvalidCoordinatorConfig = errors.New("mutation: invalid coordinator config")
	errMissingAPI               = errors.New("api is required")
	errMissingMessageStore      = errors.New("message store is required")
	errMissingDealStore         = errors.New("deal store is required")
	errMissingScheduler         = errors.New("scheduler is required")
)

// API is the server surface the coordinator calls.
type API interface {
	PinMessage(ctx context.Context, messageID string) error
	UnpinMessage(ctx context.Context, messageID string) error
	EditMessage(ctx context.Context, messageID, text string) error
	DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error
	SendMessage(ctx context.Context, conversationID string, request api.SendMessageRequest) (inbox.Message, error)
	ReadState(ctx context.Context, conversationID string) (api.ReadState, error)
	MoveDeal(ctx context.Context, dealID, stageID string, position float64) error
}

// CoordinatorConfig wires a Coordinator. Journal is optional.
type CoordinatorConfig struct {
	API        API
	Messages   *store.MessageStore
	Deals      *store.DealStore
	Scheduler  eventloop.Scheduler
	Journal    *Journal
	IDProvider inbox.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

// SendRequest describes an outbound message composed locally.
type SendRequest struct {
	ConversationID string
	Channel        string
	Text           *string
	ReplyToID      *string
	Attachments    []inbox.Attachment
}

// Coordinator issues optimistic mutations.
type Coordinator struct {
	api        API
	messages   *store.MessageStore
	deals      *store.DealStore
	scheduler  eventloop.Scheduler
	journal    *Journal
	idProvider inbox.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *telemetry.Metrics

	inFlight sync.WaitGroup

	trackedMu sync.Mutex
	tracked   map[string]int
}

// NewCoordinator validates cfg and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case cfg.API == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingAPI)
	case cfg.Messages == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingMessageStore)
	case cfg.Deals == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingDealStore)
	case cfg.Scheduler == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingScheduler)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = inbox.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		api:        cfg.API,
		messages:   cfg.Messages,
		deals:      cfg.Deals,
		scheduler:  cfg.Scheduler,
		journal:    cfg.Journal,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracked:    make(map[string]int),
	}, nil
}

// Edit replaces the message text locally, then asks the server to do the same.
func (c *Coordinator) Edit(ctx context.Context, messageID, text string) error {
	id, err := inbox.NewMessageID(messageID)
	if err != nil {
		return err
	}
	edited, err := c.messages.ApplyEdit(id.String(), text, c.clock().UTC())
	if err != nil {
		return err
	}
	entryID := c.record(ctx, OperationEdit, store.TableMessages, id.String(), edited.ConversationID, map[string]string{"text": text})
	c.launch(ctx, request{
		operation: OperationEdit,
		table:     store.TableMessages,
		entityID:  id.String(),
		entryID:   entryID,
		call: func(requestCtx context.Context) (string, error) {
			return "", c.api.EditMessage(requestCtx, id.String(), text)
		},
	})
	return nil
}

// Delete hides the message from the rendered set, then issues the delete.
// Callers confirm with the user before calling.
func (c *Coordinator) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	id, err := inbox.NewMessageID(messageID)
	if err != nil {
		return err
	}
	scopeID, _ := c.messages.ScopeOf(id.String())
	if err := c.messages.Hide(id.String()); err != nil {
		return err
	}
	entryID := c.record(ctx, OperationDelete, store.TableMessages, id.String(), scopeID, map[string]bool{"for_everyone": forEveryone})
	c.launch(ctx, request{
		operation: OperationDelete,
		table:     store.TableMessages,
		entityID:  id.String(),
		entryID:   entryID,
		call: func(requestCtx context.Context) (string, error) {
			return "", c.api.DeleteMessage(requestCtx, id.String(), forEveryone)
		},
	})
	return nil
}

// Pin asks the server to pin a message. The local flag only changes when the
// resulting update arrives on the change stream.
func (c *Coordinator) Pin(ctx context.Context, messageID string) error {
	return c.setPinned(ctx, messageID, true)
}

// Unpin is the counterpart of Pin.
func (c *Coordinator) Unpin(ctx context.Context, messageID string) error {
	return c.setPinned(ctx, messageID, false)
}

func (c *Coordinator) setPinned(ctx context.Context, messageID string, pinned bool) error {
	id, err := inbox.NewMessageID(messageID)
	if err != nil {
		return err
	}
	operation, call := OperationPin, c.api.PinMessage
	if !pinned {
		operation, call = OperationUnpin, c.api.UnpinMessage
	}
	scopeID, _ := c.messages.ScopeOf(id.String())
	entryID := c.record(ctx, operation, store.TableMessages, id.String(), scopeID, nil)
	c.launch(ctx, request{
		operation: operation,
		table:     store.TableMessages,
		entityID:  id.String(),
		entryID:   entryID,
		call: func(requestCtx context.Context) (string, error) {
			return "", call(requestCtx, id.String())
		},
	})
	return nil
}

// Send adds an optimistic outbound message under a client id and posts it.
// On success the optimistic copy is replaced by the server entity; on
// failure it stays with status failed.
func (c *Coordinator) Send(ctx context.Context, send SendRequest) (inbox.Message, error) {
	conversationID, err := inbox.NewConversationID(send.ConversationID)
	if err != nil {
		return inbox.Message{}, err
	}
	clientID, err := c.idProvider.NewID()
	if err != nil {
		return inbox.Message{}, fmt.Errorf("mutation: client id: %w", err)
	}
	optimistic := inbox.Message{
		ID:             clientID,
		ConversationID: conversationID.String(),
		Direction:      inbox.DirectionOutbound,
		Channel:        strings.TrimSpace(send.Channel),
		Text:           send.Text,
		SentAt:         c.clock().UTC(),
		Attachments:    send.Attachments,
		ReplyToID:      send.ReplyToID,
		SendingStatus:  inbox.SendingStatusSending,
	}
	if err := optimistic.Validate(); err != nil {
		return inbox.Message{}, err
	}
	stored, err := c.messages.Upsert(optimistic)
	if err != nil {
		return inbox.Message{}, err
	}

	body := api.SendMessageRequest{
		ClientID:    clientID,
		Channel:     optimistic.Channel,
		Text:        send.Text,
		Attachments: send.Attachments,
	}
	if send.ReplyToID != nil {
		body.ReplyToID = *send.ReplyToID
	}
	entryID := c.record(ctx, OperationSend, store.TableMessages, clientID, conversationID.String(), body)

	var created inbox.Message
	c.launch(ctx, request{
		operation: OperationSend,
		table:     store.TableMessages,
		entityID:  clientID,
		entryID:   entryID,
		call: func(requestCtx context.Context) (string, error) {
			var err error
			created, err = c.api.SendMessage(requestCtx, conversationID.String(), body)
			return created.ID, err
		},
		onSuccess: func() {
			if created.SendingStatus == "" {
				created.SendingStatus = inbox.SendingStatusSent
			}
			if _, echoed := c.messages.Get(created.ID); echoed {
				c.confirm(store.TableMessages, created.ID)
			}
			if _, err := c.messages.ReplaceClientID(clientID, created); err != nil {
				c.logger.Debug("optimistic message no longer stored",
					zap.String("client_id", clientID),
					zap.String("message_id", created.ID),
					zap.Error(err))
			}
		},
		onFailure: func() {
			if err := c.messages.SetSendingStatus(clientID, inbox.SendingStatusFailed); err != nil {
				c.logger.Debug("optimistic message no longer stored",
					zap.String("client_id", clientID),
					zap.Error(err))
			}
		},
	})
	return stored, nil
}

// MoveDeal reorders a deal locally, then issues the move.
func (c *Coordinator) MoveDeal(ctx context.Context, dealID, stageID string, position float64) error {
	dealID = strings.TrimSpace(dealID)
	stageID = strings.TrimSpace(stageID)
	if dealID == "" {
		return inbox.ErrInvalidDealID
	}
	if stageID == "" {
		return fmt.Errorf("%w: missing stage", inbox.ErrInvalidDeal)
	}
	moved, err := c.deals.Move(dealID, stageID, position, c.clock().UTC())
	if err != nil {
		return err
	}
	payload := map[string]any{"stage_id": stageID, "position": position}
	entryID := c.record(ctx, OperationMoveDeal, store.TableDeals, dealID, moved.PipelineID, payload)
	c.launch(ctx, request{
		operation: OperationMoveDeal,
		table:     store.TableDeals,
		entityID:  dealID,
		entryID:   entryID,
		call: func(requestCtx context.Context) (string, error) {
			return "", c.api.MoveDeal(requestCtx, dealID, stageID, position)
		},
	})
	return nil
}

// RefreshReadState queries the read watermark of a conversation once and
// stores the result. It does not keep the value live.
func (c *Coordinator) RefreshReadState(ctx context.Context, conversationID string) error {
	id, err := inbox.NewConversationID(conversationID)
	if err != nil {
		return err
	}
	requestCtx := context.WithoutCancel(ctx)
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		state, err := c.api.ReadState(requestCtx, id.String())
		if err != nil {
			c.metrics.MutationCompleted(opReadState, "failed")
			c.logger.Warn("read state query failed",
				zap.String("conversation_id", id.String()),
				zap.Error(err))
			return
		}
		c.metrics.MutationCompleted(opReadState, "ok")
		c.scheduler.Post(func() {
			c.messages.SetReadState(store.ReadState{
				ConversationID:    id.String(),
				LastReadMessageID: state.LastReadMessageID,
				LastReadAt:        state.LastReadAt,
				UnreadCount:       state.UnreadCount,
			})
		})
	}()
	return nil
}

// Reconcile confirms journaled mutations whose entity arrived on the change
// stream. It is registered as an Update and Delete handler. Events for
// entities without an outstanding entry do not touch the journal.
func (c *Coordinator) Reconcile(event realtime.ChangeEvent) error {
	if c.journal == nil {
		return nil
	}
	entityID := event.EntityID()
	if entityID == "" || !c.isTracked(event.Table, entityID) {
		return nil
	}
	c.confirm(event.Table, entityID)
	return nil
}

func (c *Coordinator) confirm(table, entityID string) {
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		confirmed, err := c.journal.Confirm(context.Background(), table, entityID)
		if err != nil {
			c.logger.Warn("journal confirm failed",
				zap.String("table", table),
				zap.String("entity_id", entityID),
				zap.Error(err))
			return
		}
		if confirmed > 0 {
			c.untrack(table, entityID, int(confirmed))
			c.logger.Debug("mutation confirmed by change stream",
				zap.String("table", table),
				zap.String("entity_id", entityID),
				zap.Int64("entries", confirmed))
		}
	}()
}

func trackingKey(table, entityID string) string {
	return table + "/" + entityID
}

func (c *Coordinator) track(table, entityID string) {
	c.trackedMu.Lock()
	c.tracked[trackingKey(table, entityID)]++
	c.trackedMu.Unlock()
}

func (c *Coordinator) untrack(table, entityID string, count int) {
	key := trackingKey(table, entityID)
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()
	if remaining := c.tracked[key] - count; remaining > 0 {
		c.tracked[key] = remaining
		return
	}
	delete(c.tracked, key)
}

// retrack moves one outstanding entry from a client id to the server id.
func (c *Coordinator) retrack(table, fromID, toID string) {
	if toID == "" || toID == fromID {
		return
	}
	c.untrack(table, fromID, 1)
	c.track(table, toID)
}

func (c *Coordinator) isTracked(table, entityID string) bool {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()
	return c.tracked[trackingKey(table, entityID)] > 0
}

// Wait blocks until every in-flight request has finished.
func (c *Coordinator) Wait() {
	c.inFlight.Wait()
}

type request struct {
	operation Operation
	table     string
	entityID  string
	entryID   string
	call      func(context.Context) (string, error)
	onSuccess func()
	onFailure func()
}

func (c *Coordinator) launch(ctx context.Context, req request) {
	requestCtx := context.WithoutCancel(ctx)
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		serverEntityID, err := req.call(requestCtx)
		if err != nil {
			c.metrics.MutationCompleted(string(req.operation), "failed")
			c.logger.Warn("mutation request failed",
				zap.String("operation", string(req.operation)),
				zap.String("entity_id", req.entityID),
				zap.String("failure", failureCode(err)),
				zap.Error(err))
			if c.journal != nil && req.entryID != "" {
				c.untrack(req.table, req.entityID, 1)
				if markErr := c.journal.MarkFailed(requestCtx, req.entryID, err); markErr != nil {
					c.logger.Error("journal mark failed",
						zap.String("operation", string(req.operation)),
						zap.String("entry_id", req.entryID),
						zap.Error(markErr))
				}
			}
			if req.onFailure != nil {
				c.scheduler.Post(req.onFailure)
			}
			return
		}
		c.metrics.MutationCompleted(string(req.operation), "ok")
		if c.journal != nil && req.entryID != "" {
			if markErr := c.journal.MarkSent(requestCtx, req.entryID, serverEntityID); markErr != nil {
				c.logger.Error("journal mark sent failed",
					zap.String("operation", string(req.operation)),
					zap.String("entry_id", req.entryID),
					zap.Error(markErr))
			} else {
				c.retrack(req.table, req.entityID, serverEntityID)
			}
		}
		if req.onSuccess != nil {
			c.scheduler.Post(req.onSuccess)
		}
	}()
}

func (c *Coordinator) record(ctx context.Context, operation Operation, table, entityID, scopeID string, payload any) string {
	if c.journal == nil {
		return ""
	}
	encoded := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			encoded = string(data)
		}
	}
	entry, err := c.journal.Append(ctx, operation, table, entityID, scopeID, encoded)
	if err != nil {
		c.logger.Error("journal append failed",
			zap.String("operation", string(operation)),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return ""
	}
	c.track(table, entityID)
	return entry.EntryID
}

func failureCode(err error) string {
	var apiErr *api.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		if apiErr.Code != "" {
			return apiErr.Code
		}
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
