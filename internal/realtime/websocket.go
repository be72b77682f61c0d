package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Wire envelope types of the WebSocket change stream.
const (
	envelopeSubscribe   = "subscribe"
	envelopeUnsubscribe = "unsubscribe"
	envelopeSubscribed  = "subscribed"
	envelopeChange      = "change"
	envelopeError       = "error"
)

var errMissingWebSocketURL = errors.New("realtime: websocket url is required")

// Envelope is the wire format of every WebSocket frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChannelCommand is the payload of subscribe and unsubscribe frames.
type ChannelCommand struct {
	Channel string `json:"channel"`
	Table   string `json:"table"`
}

// ErrorPayload is the payload of server error frames.
type ErrorPayload struct {
	Message string `json:"message"`
}

// WebSocketConfig configures WebSocketTransport.
type WebSocketConfig struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// WebSocketTransport subscribes over one WebSocket connection per
// subscription. It reports drops but never reconnects.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *zap.Logger
}

// NewWebSocketTransport validates cfg and constructs the transport.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingWebSocketURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{config: cfg, logger: logger}, nil
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, request SubscribeRequest) (Subscription, error) {
	url := strings.Replace(t.config.URL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	options := &websocket.DialOptions{HTTPClient: t.config.HTTPClient}
	if t.config.Token != "" {
		options.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.config.Token}}
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, url, options)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	subscription := &webSocketSubscription{
		conn:    conn,
		request: request,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.String("channel", request.Channel)),
	}
	if err := subscription.send(connCtx, envelopeSubscribe); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("websocket subscribe: %w", err)
	}

	go subscription.readLoop(connCtx)
	go subscription.heartbeatLoop(connCtx, t.config.HeartbeatInterval)
	return subscription, nil
}

type webSocketSubscription struct {
	conn    *websocket.Conn
	request SubscribeRequest
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger

	mu          sync.Mutex
	intentional bool
	closeOnce   sync.Once
}

func (s *webSocketSubscription) send(ctx context.Context, envelopeType string) error {
	payload, err := json.Marshal(ChannelCommand{Channel: s.request.Channel, Table: s.request.Table})
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: envelopeType, Payload: payload})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *webSocketSubscription) isIntentional() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentional
}

func (s *webSocketSubscription) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if s.isIntentional() {
				return
			}
			status := StatusChannelError
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				status = StatusClosed
			}
			s.request.emitStatus(status, err)
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.logger.Debug("undecodable websocket frame ignored", zap.Error(err))
			continue
		}
		switch envelope.Type {
		case envelopeSubscribed:
			s.request.emitStatus(StatusSubscribed, nil)
		case envelopeChange:
			var payload RawPayload
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				s.logger.Debug("undecodable change frame ignored", zap.Error(err))
				continue
			}
			if payload.Table == "" {
				payload.Table = s.request.Table
			}
			s.request.emitPayload(payload)
		case envelopeError:
			var problem ErrorPayload
			_ = json.Unmarshal(envelope.Payload, &problem)
			s.request.emitStatus(StatusChannelError, fmt.Errorf("server error: %s", problem.Message))
		}
	}
}

func (s *webSocketSubscription) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if s.isIntentional() || ctx.Err() != nil {
				return
			}
			s.request.emitStatus(StatusTimedOut, err)
			s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
	}
}

func (s *webSocketSubscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.intentional = true
		s.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		if sendErr := s.send(writeCtx, envelopeUnsubscribe); sendErr != nil {
			s.logger.Debug("unsubscribe frame not sent", zap.Error(sendErr))
		}
		cancel()

		err = s.conn.Close(websocket.StatusNormalClosure, "client unsubscribe")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		s.request.emitStatus(StatusClosed, nil)
	})
	return err
}
