package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/auth"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/engine"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/presence"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/store"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/timeline"
)

const (
	subjectContextKey        = "inboxsync_subject"
	accessTokenQueryKey      = "access_token"
	streamEventHeartbeat     = "heartbeat"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingInbox         = errors.New("inbox dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingNotifier      = errors.New("notifier dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Inbox is the sync session the surface drives.
type Inbox interface {
	ShowConversations(ctx context.Context, view engine.View) error
	ShowPipeline(ctx context.Context, pipelineID string) error
	Teardown(ctx context.Context) error
	CurrentView() (engine.View, string)
	Timeline(conversationID string) []timeline.Item
	ReadState(conversationID string) (store.ReadState, bool)
	Deals(pipelineID string) []inbox.Deal
	Presence() presence.Snapshot
	Connected() bool
	ConnectionState() realtime.ConnectionState
	Edit(ctx context.Context, messageID, text string) error
	Delete(ctx context.Context, messageID string, forEveryone bool) error
	Pin(ctx context.Context, messageID string) error
	Unpin(ctx context.Context, messageID string) error
	Send(ctx context.Context, request mutation.SendRequest) (inbox.Message, error)
	MoveDeal(ctx context.Context, dealID, stageID string, position float64) error
	Typing(ctx context.Context, conversationID string, active bool) error
}

// SessionValidator checks the caller's session.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Inbox             Inbox
	Sessions          SessionValidator
	Notifier          *Notifier
	Metrics           *telemetry.Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the render-facing surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Inbox == nil {
		return nil, errMissingInbox
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		inbox:     deps.Inbox,
		sessions:  deps.Sessions,
		notifier:  deps.Notifier,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/view", handler.handleShowConversations)
	protected.DELETE("/view", handler.handleTeardown)
	protected.GET("/view", handler.handleCurrentView)
	protected.PUT("/pipelines/:id/view", handler.handleShowPipeline)
	protected.GET("/pipelines/:id/deals", handler.handleDeals)
	protected.GET("/conversations/:id/timeline", handler.handleTimeline)
	protected.GET("/conversations/:id/read-state", handler.handleReadState)
	protected.POST("/conversations/:id/messages", handler.handleSend)
	protected.POST("/conversations/:id/typing", handler.handleTyping)
	protected.PUT("/messages/:id", handler.handleEdit)
	protected.DELETE("/messages/:id", handler.handleDelete)
	protected.POST("/messages/:id/pin", handler.handlePin)
	protected.POST("/messages/:id/unpin", handler.handleUnpin)
	protected.PUT("/deals/:id/position", handler.handleMoveDeal)
	protected.GET("/presence", handler.handlePresence)
	protected.GET("/connection", handler.handleConnection)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	inbox     Inbox
	sessions  SessionValidator
	notifier  *Notifier
	heartbeat time.Duration
	logger    *zap.Logger
}

type viewRequestPayload struct {
	ConversationIDs       []string `json:"conversation_ids"`
	FocusedConversationID string   `json:"focused_conversation_id"`
	IdentityID            string   `json:"identity_id"`
}

type viewResponsePayload struct {
	ConversationIDs       []string `json:"conversation_ids"`
	FocusedConversationID string   `json:"focused_conversation_id,omitempty"`
	IdentityID            string   `json:"identity_id,omitempty"`
	PipelineID            string   `json:"pipeline_id,omitempty"`
}

type editRequestPayload struct {
	Text *string `json:"text"`
}

type sendRequestPayload struct {
	Channel     string             `json:"channel"`
	Text        *string            `json:"text"`
	ReplyToID   *string            `json:"reply_to_id"`
	Attachments []inbox.Attachment `json:"attachments"`
}

type moveDealRequestPayload struct {
	StageID  string   `json:"stage_id"`
	Position *float64 `json:"position"`
}

type typingRequestPayload struct {
	Active bool `json:"active"`
}

type connectionResponsePayload struct {
	Connected bool                     `json:"connected"`
	State     realtime.ConnectionState `json:"state"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleShowConversations(c *gin.Context) {
	var request viewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.inbox.ShowConversations(c.Request.Context(), engine.View{
		ConversationIDs:       request.ConversationIDs,
		FocusedConversationID: strings.TrimSpace(request.FocusedConversationID),
		IdentityID:            strings.TrimSpace(request.IdentityID),
	})
	if err != nil {
		h.respondError(c, "show_conversations", err)
		return
	}
	h.handleCurrentView(c)
}

func (h *httpHandler) handleShowPipeline(c *gin.Context) {
	if err := h.inbox.ShowPipeline(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "show_pipeline", err)
		return
	}
	h.handleCurrentView(c)
}

func (h *httpHandler) handleTeardown(c *gin.Context) {
	if err := h.inbox.Teardown(c.Request.Context()); err != nil {
		h.respondError(c, "teardown", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCurrentView(c *gin.Context) {
	view, pipelineID := h.inbox.CurrentView()
	ids := view.ConversationIDs
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, viewResponsePayload{
		ConversationIDs:       ids,
		FocusedConversationID: view.FocusedConversationID,
		IdentityID:            view.IdentityID,
		PipelineID:            pipelineID,
	})
}

func (h *httpHandler) handleTimeline(c *gin.Context) {
	items := h.inbox.Timeline(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleReadState(c *gin.Context) {
	state, ok := h.inbox.ReadState(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "read_state_unknown"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleDeals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deals": h.inbox.Deals(c.Param("id"))})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.inbox.Presence())
}

func (h *httpHandler) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, connectionResponsePayload{
		Connected: h.inbox.Connected(),
		State:     h.inbox.ConnectionState(),
	})
}

func (h *httpHandler) handleEdit(c *gin.Context) {
	var request editRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Text == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.inbox.Edit(c.Request.Context(), c.Param("id"), *request.Text); err != nil {
		h.respondError(c, "edit", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	forEveryone := strings.EqualFold(c.Query("scope"), "everyone")
	if err := h.inbox.Delete(c.Request.Context(), c.Param("id"), forEveryone); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handlePin(c *gin.Context) {
	if err := h.inbox.Pin(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "pin", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleUnpin(c *gin.Context) {
	if err := h.inbox.Unpin(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "unpin", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Text == nil && len(request.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	message, err := h.inbox.Send(c.Request.Context(), mutation.SendRequest{
		ConversationID: c.Param("id"),
		Channel:        request.Channel,
		Text:           request.Text,
		ReplyToID:      request.ReplyToID,
		Attachments:    request.Attachments,
	})
	if err != nil {
		h.respondError(c, "send", err)
		return
	}
	c.JSON(http.StatusAccepted, message)
}

func (h *httpHandler) handleMoveDeal(c *gin.Context) {
	var request moveDealRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Position == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.inbox.MoveDeal(c.Request.Context(), c.Param("id"), request.StageID, *request.Position); err != nil {
		h.respondError(c, "move_deal", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	var request typingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.inbox.Typing(c.Request.Context(), c.Param("id"), request.Active); err != nil {
		h.respondError(c, "typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.notifier.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification := <-stream:
			c.SSEvent(string(notification.Kind), notification)
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.Error(err))
	} else {
		h.logger.Debug("request rejected",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found"
	case errors.Is(err, store.ErrDealNotFound):
		return http.StatusNotFound, "deal_not_found"
	case errors.Is(err, realtime.ErrEmptyFilterSet):
		return http.StatusBadRequest, "empty_filter_set"
	case errors.Is(err, inbox.ErrInvalidMessageID),
		errors.Is(err, inbox.ErrInvalidConversationID),
		errors.Is(err, inbox.ErrInvalidDealID),
		errors.Is(err, inbox.ErrInvalidPipelineID),
		errors.Is(err, inbox.ErrInvalidMessage),
		errors.Is(err, inbox.ErrInvalidDeal),
		errors.Is(err, presence.ErrMissingKey):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrTypingUnavailable):
		return http.StatusNotImplemented, "typing_unavailable"
	case errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_started"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" && c.GetHeader("Authorization") == "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}
