package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

type recordedRequest struct {
	Method        string
	Path          string
	Query         string
	Body          string
	Authorization string
}

type recordingServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Body:          string(body),
		Authorization: r.Header.Get("Authorization"),
	})
	status, response := s.status, s.response
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func (s *recordingServer) last(t *testing.T) recordedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatalf("no request recorded")
	}
	return s.requests[len(s.requests)-1]
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T, handler http.Handler, breakerMaxFailures uint32) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:            server.URL + "/v1/",
		Token:              "secret-token",
		RatePerSecond:      1000,
		Burst:              100,
		BreakerMaxFailures: breakerMaxFailures,
		BreakerOpenTimeout: time.Minute,
		HTTPClient:         server.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "/relative/path"} {
		if _, err := NewClient(Config{BaseURL: raw}); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("base url %q: expected ErrInvalidClientConfig, got %v", raw, err)
		}
	}
}

func TestClientMutationRoutes(t *testing.T) {
	server := &recordingServer{}
	client := newTestClient(t, server, 5)
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		method string
		path   string
		query  string
		body   string
	}{
		{
			name:   "pin",
			call:   func() error { return client.PinMessage(ctx, "m1") },
			method: http.MethodPost,
			path:   "/v1/messages/m1/pin",
		},
		{
			name:   "unpin",
			call:   func() error { return client.UnpinMessage(ctx, "m1") },
			method: http.MethodPost,
			path:   "/v1/messages/m1/unpin",
		},
		{
			name:   "edit",
			call:   func() error { return client.EditMessage(ctx, "m1", "hello") },
			method: http.MethodPut,
			path:   "/v1/messages/m1",
			body:   `{"text":"hello"}`,
		},
		{
			name:   "delete-for-me",
			call:   func() error { return client.DeleteMessage(ctx, "m1", false) },
			method: http.MethodDelete,
			path:   "/v1/messages/m1",
		},
		{
			name:   "delete-for-everyone",
			call:   func() error { return client.DeleteMessage(ctx, "m1", true) },
			method: http.MethodDelete,
			path:   "/v1/messages/m1",
			query:  "scope=everyone",
		},
		{
			name:   "move-deal",
			call:   func() error { return client.MoveDeal(ctx, "d1", "won", 2.5) },
			method: http.MethodPut,
			path:   "/v1/deals/d1/position",
			body:   `{"stage_id":"won","position":2.5}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			got := server.last(t)
			if got.Method != tt.method || got.Path != tt.path || got.Query != tt.query {
				t.Fatalf("unexpected request %+v", got)
			}
			if tt.body != "" && got.Body != tt.body {
				t.Fatalf("expected body %s, got %s", tt.body, got.Body)
			}
			if got.Authorization != "Bearer secret-token" {
				t.Fatalf("expected bearer token, got %q", got.Authorization)
			}
		})
	}
}

func TestClientSendMessageDecodesServerEntity(t *testing.T) {
	sentAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	created := inbox.Message{
		ID:             "srv-1",
		ConversationID: "c1",
		Direction:      inbox.DirectionOutbound,
		Channel:        "whatsapp",
		Text:           inbox.StringPointer("hi"),
		SentAt:         sentAt,
		SendingStatus:  inbox.SendingStatusSent,
	}
	payload, err := json.Marshal(created)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	server := &recordingServer{status: http.StatusCreated, response: string(payload)}
	client := newTestClient(t, server, 5)

	message, err := client.SendMessage(context.Background(), "c1", SendMessageRequest{ClientID: "tmp-1", Channel: "whatsapp", Text: inbox.StringPointer("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if message.ID != "srv-1" || !message.SentAt.Equal(sentAt) || message.SendingStatus != inbox.SendingStatusSent {
		t.Fatalf("unexpected message %+v", message)
	}
	request := server.last(t)
	if request.Path != "/v1/conversations/c1/messages" {
		t.Fatalf("unexpected path %s", request.Path)
	}
	var body SendMessageRequest
	if err := json.Unmarshal([]byte(request.Body), &body); err != nil || body.ClientID != "tmp-1" {
		t.Fatalf("unexpected request body %s (%v)", request.Body, err)
	}
}

func TestClientReadStateDefaultsConversation(t *testing.T) {
	server := &recordingServer{response: `{"last_read_message_id":"m9","unread_count":3}`}
	client := newTestClient(t, server, 5)

	state, err := client.ReadState(context.Background(), "c1")
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state.ConversationID != "c1" || state.LastReadMessageID != "m9" || state.UnreadCount != 3 {
		t.Fatalf("unexpected state %+v", state)
	}
	if request := server.last(t); request.Method != http.MethodGet || request.Path != "/v1/conversations/c1/read-state" {
		t.Fatalf("unexpected request %+v", request)
	}
}

func TestClientDecodesErrorBody(t *testing.T) {
	server := &recordingServer{status: http.StatusConflict, response: `{"error":"message_locked","message":"locked"}`}
	client := newTestClient(t, server, 5)

	err := client.PinMessage(context.Background(), "m1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "message_locked" || apiErr.Temporary() {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientBreakerOpensOnServerFailures(t *testing.T) {
	server := &recordingServer{status: http.StatusBadGateway}
	client := newTestClient(t, server, 2)
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		var apiErr *Error
		if err := client.PinMessage(ctx, "m1"); !errors.As(err, &apiErr) {
			t.Fatalf("attempt %d: expected api error, got %v", attempt, err)
		}
	}
	if err := client.PinMessage(ctx, "m1"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if server.count() != 2 {
		t.Fatalf("expected breaker to short-circuit the third request, server saw %d", server.count())
	}
}

func TestClientBreakerIgnoresClientErrors(t *testing.T) {
	server := &recordingServer{status: http.StatusNotFound}
	client := newTestClient(t, server, 1)
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		if err := client.UnpinMessage(ctx, "m1"); errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("attempt %d: breaker should stay closed on 4xx", attempt)
		}
	}
	if server.count() != 3 {
		t.Fatalf("expected every request to reach the server, got %d", server.count())
	}
}

func TestClientRejectsMissingIdentifiers(t *testing.T) {
	server := &recordingServer{}
	client := newTestClient(t, server, 5)
	ctx := context.Background()

	if err := client.EditMessage(ctx, "", "x"); err == nil {
		t.Fatalf("expected edit without id to fail")
	}
	if _, err := client.ReadState(ctx, ""); err == nil {
		t.Fatalf("expected read state without id to fail")
	}
	if err := client.MoveDeal(ctx, "d1", "", 1); err == nil {
		t.Fatalf("expected move without stage to fail")
	}
	if server.count() != 0 {
		t.Fatalf("expected no requests, got %d", server.count())
	}
}
