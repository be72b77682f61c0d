package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type wsRecorder struct {
	mu       sync.Mutex
	statuses []TransportStatus
	payloads []RawPayload
	signal   chan struct{}
}

func newWSRecorder() *wsRecorder {
	return &wsRecorder{signal: make(chan struct{}, 16)}
}

func (r *wsRecorder) onStatus(status TransportStatus, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *wsRecorder) onPayload(payload RawPayload) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *wsRecorder) waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		ok := condition()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for websocket events")
		}
	}
}

func TestWebSocketTransportSubscribesAndDeliversChanges(t *testing.T) {
	commands := make(chan Envelope, 4)
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var subscribe Envelope
		_ = json.Unmarshal(data, &subscribe)
		commands <- subscribe

		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribed"}`))
		change := `{"type":"change","payload":{"eventType":"INSERT","new":{"id":"m1","conversation_id":"c1"}}}`
		_ = conn.Write(ctx, websocket.MessageText, []byte(change))

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var command Envelope
			_ = json.Unmarshal(data, &command)
			commands <- command
		}
	}))
	defer server.Close()

	transport, err := NewWebSocketTransport(WebSocketConfig{URL: server.URL, Token: "secret", HeartbeatInterval: time.Minute})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	recorder := newWSRecorder()
	subscription, err := transport.Subscribe(context.Background(), SubscribeRequest{
		Channel:   "inbox-conversations-abc",
		Table:     "messages",
		OnPayload: recorder.onPayload,
		OnStatus:  recorder.onStatus,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	recorder.waitFor(t, func() bool { return len(recorder.payloads) == 1 && len(recorder.statuses) >= 1 })

	subscribe := <-commands
	if subscribe.Type != "subscribe" {
		t.Fatalf("expected subscribe command, got %q", subscribe.Type)
	}
	var command ChannelCommand
	if err := json.Unmarshal(subscribe.Payload, &command); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if command.Channel != "inbox-conversations-abc" || command.Table != "messages" {
		t.Fatalf("unexpected subscribe command %+v", command)
	}
	if authorization != "Bearer secret" {
		t.Fatalf("expected bearer token header, got %q", authorization)
	}

	recorder.mu.Lock()
	payload := recorder.payloads[0]
	firstStatus := recorder.statuses[0]
	recorder.mu.Unlock()
	if firstStatus != StatusSubscribed {
		t.Fatalf("expected SUBSCRIBED, got %s", firstStatus)
	}
	if payload.Table != "messages" || payload.EventType != EventTypeInsert {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if err := subscription.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	select {
	case unsubscribe := <-commands:
		if unsubscribe.Type != "unsubscribe" {
			t.Fatalf("expected unsubscribe command, got %q", unsubscribe.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("unsubscribe command not received")
	}
	recorder.waitFor(t, func() bool {
		return recorder.statuses[len(recorder.statuses)-1] == StatusClosed
	})
}

func TestWebSocketTransportReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","payload":{"message":"forbidden"}}`))
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	transport, err := NewWebSocketTransport(WebSocketConfig{URL: server.URL, HeartbeatInterval: time.Minute})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	recorder := newWSRecorder()
	subscription, err := transport.Subscribe(context.Background(), SubscribeRequest{
		Channel:  "c",
		Table:    "messages",
		OnStatus: recorder.onStatus,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subscription.Unsubscribe(context.Background())

	recorder.waitFor(t, func() bool { return len(recorder.statuses) >= 1 })
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.statuses[0] != StatusChannelError {
		t.Fatalf("expected CHANNEL_ERROR, got %s", recorder.statuses[0])
	}
}

func TestNewWebSocketTransportRequiresURL(t *testing.T) {
	if _, err := NewWebSocketTransport(WebSocketConfig{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}
