package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

const (
	defaultTimeout            = 15 * time.Second
	defaultRatePerSecond      = 10
	defaultBurst              = 5
	defaultBreakerMaxFailures = 5
	defaultBreakerOpenTimeout = 30 * time.Second
	maxErrorBodyBytes         = 4096
)

var (
	ErrInvalidClientConfig = errors.New("api: invalid client config")
	errMissingBaseURL      = errors.New("base url is required")
	errMissingIdentifier   = errors.New("identifier is required")
)

// Error reports a non-2xx response from the mutation API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the same request could succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Config bundles the settings required to construct a Client.
type Config struct {
	BaseURL            string
	Token              string
	Timeout            time.Duration
	RatePerSecond      float64
	Burst              int
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	HTTPClient         *http.Client
	Logger             *zap.Logger
}

// ReadState is the server's read watermark for one conversation.
type ReadState struct {
	ConversationID    string     `json:"conversation_id"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	UnreadCount       int        `json:"unread_count"`
}

// SendMessageRequest is the body of an outbound message.
type SendMessageRequest struct {
	ClientID    string             `json:"client_id"`
	Channel     string             `json:"channel"`
	Text        *string            `json:"text,omitempty"`
	ReplyToID   string             `json:"reply_to_id,omitempty"`
	Attachments []inbox.Attachment `json:"attachments,omitempty"`
}

// Client issues mutation requests. Requests pass a client-side rate limiter
// and a circuit breaker that opens after consecutive transport or 5xx failures.
type Client struct {
	baseURL    *url.URL
	token      string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrInvalidClientConfig, rawURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mutation-api",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		timeout:    timeout,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// PinMessage pins a message.
func (c *Client) PinMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errMissingIdentifier
	}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/pin", nil, nil, nil)
}

// UnpinMessage unpins a message.
func (c *Client) UnpinMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errMissingIdentifier
	}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/unpin", nil, nil, nil)
}

// EditMessage replaces the text of a message.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) error {
	if messageID == "" {
		return errMissingIdentifier
	}
	body := map[string]string{"text": text}
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), nil, body, nil)
}

// DeleteMessage deletes a message for the caller, or for every participant.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	if messageID == "" {
		return errMissingIdentifier
	}
	var query url.Values
	if forEveryone {
		query = url.Values{"scope": []string{"everyone"}}
	}
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), query, nil, nil)
}

// SendMessage posts an outbound message and returns the server's entity.
func (c *Client) SendMessage(ctx context.Context, conversationID string, request SendMessageRequest) (inbox.Message, error) {
	if conversationID == "" {
		return inbox.Message{}, errMissingIdentifier
	}
	var created inbox.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, request, &created); err != nil {
		return inbox.Message{}, err
	}
	if err := created.Validate(); err != nil {
		return inbox.Message{}, fmt.Errorf("api: send response: %w", err)
	}
	return created, nil
}

// ReadState fetches the read watermark of a conversation.
func (c *Client) ReadState(ctx context.Context, conversationID string) (ReadState, error) {
	if conversationID == "" {
		return ReadState{}, errMissingIdentifier
	}
	var state ReadState
	path := "/conversations/" + url.PathEscape(conversationID) + "/read-state"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &state); err != nil {
		return ReadState{}, err
	}
	if state.ConversationID == "" {
		state.ConversationID = conversationID
	}
	return state, nil
}

// MoveDeal moves a deal to a stage and position.
func (c *Client) MoveDeal(ctx context.Context, dealID, stageID string, position float64) error {
	if dealID == "" || stageID == "" {
		return errMissingIdentifier
	}
	body := struct {
		StageID  string  `json:"stage_id"`
		Position float64 `json:"position"`
	}{StageID: stageID, Position: position}
	return c.do(ctx, http.MethodPut, "/deals/"+url.PathEscape(dealID)+"/position", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Debug("mutation request rejected by circuit breaker",
			zap.String("method", method),
			zap.String("path", path))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	target.RawPath = ""
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(requestCtx, method, target.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(response *http.Response) error {
	apiErr := &Error{StatusCode: response.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
	}
	return apiErr
}
