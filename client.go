// Package hubclient keeps a Go process connected to a backend over two
// channels: request/response HTTP calls and a long-lived duplex hub channel.
//
// Request/response calls go through Client, which refreshes expired
// credentials once per call through a single-flight coordinator. The duplex
// channel is owned by Manager, which reconnects with backoff behind a circuit
// breaker, health-checks the connection and rejoins groups after reconnects.
//
// Example:
//
//	client := hubclient.NewClient("https://api.example.com",
//		hubclient.WithSessionExpired(func() { log.Println("sign in again") }))
//
//	out := client.Get(ctx, "/api/organizations", nil)
//	if !out.OK {
//		fmt.Println(out.Message)
//	}
//
//	mgr, err := hubclient.NewManager(
//		hubclient.WebSocketFactory("wss://api.example.com/hub", nil),
//		client.FetchToken,
//		&hubclient.ManagerOptions{Refresher: client.Refresher()})
//	if err != nil {
//		return err
//	}
//	mgr.Events().On(hubclient.EventConnected, func(hubclient.Event) { fmt.Println("online") })
//	_ = mgr.Connect(ctx)
//	_ = mgr.JoinGroup(ctx, "conversation-42")
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRefreshPath = "/api/auth/refresh"
	DefaultTokenPath   = "/api/auth/token"
)

const (
	msgTransport      = "Unable to reach the server. Check your connection."
	msgCancelled      = "Request was cancelled"
	msgSessionExpired = "Your session has expired. Please sign in again."
)

// SessionExpiredFunc is called when credentials expired and could not be
// refreshed. Applications use it to send the user back to sign in.
type SessionExpiredFunc func()

// ============================================================================
// Client
// ============================================================================

// Client issues request/response calls with credentials attached and
// recovers from expired credentials with a single refresh and retry.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      *TokenStore
	refreshPath string
	tokenPath   string
	userAgent   string
	logger      zerolog.Logger
	metrics     *Metrics

	refreshTimeout   time.Duration
	onSessionExpired SessionExpiredFunc
	refresher        *RefreshCoordinator
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCookieJar makes the client carry cookie based credentials.
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *Client) { c.httpClient.Jar = jar }
}

func WithTokenStore(store *TokenStore) ClientOption {
	return func(c *Client) {
		if store != nil {
			c.tokens = store
		}
	}
}

// WithToken seeds the client with a bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.tokens.SetToken(token) }
}

func WithRefreshPath(path string) ClientOption {
	return func(c *Client) { c.refreshPath = path }
}

func WithTokenPath(path string) ClientOption {
	return func(c *Client) { c.tokenPath = path }
}

func WithRefreshTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.refreshTimeout = d }
}

func WithSessionExpired(fn SessionExpiredFunc) ClientOption {
	return func(c *Client) { c.onSessionExpired = fn }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		tokens:      NewTokenStore(""),
		refreshPath: DefaultRefreshPath,
		tokenPath:   DefaultTokenPath,
		userAgent:   "hubclient-go",
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.refresher = NewRefreshCoordinator(c.RefreshCredentials, c.refreshTimeout, c.logger)
	c.refresher.metrics = c.metrics
	return c
}

// Tokens returns the credential store used by the client.
func (c *Client) Tokens() *TokenStore { return c.tokens }

// Refresher returns the coordinator that serializes credential refreshes.
func (c *Client) Refresher() *RefreshCoordinator { return c.refresher }

// SendOptions tunes a single call.
type SendOptions struct {
	Query   map[string]string
	Headers map[string]string
}

// Send issues one call and never returns an error: every failure is
// described by the returned Outcome.
func (c *Client) Send(ctx context.Context, method, endpoint string, body any, opts *SendOptions) *Outcome {
	out := c.send(ctx, method, endpoint, body, opts, false)
	c.metrics.observeRequest(out.Kind)
	return out
}

func (c *Client) Get(ctx context.Context, endpoint string, opts *SendOptions) *Outcome {
	return c.Send(ctx, http.MethodGet, endpoint, nil, opts)
}

func (c *Client) Post(ctx context.Context, endpoint string, body any, opts *SendOptions) *Outcome {
	return c.Send(ctx, http.MethodPost, endpoint, body, opts)
}

func (c *Client) Put(ctx context.Context, endpoint string, body any, opts *SendOptions) *Outcome {
	return c.Send(ctx, http.MethodPut, endpoint, body, opts)
}

func (c *Client) Patch(ctx context.Context, endpoint string, body any, opts *SendOptions) *Outcome {
	return c.Send(ctx, http.MethodPatch, endpoint, body, opts)
}

func (c *Client) Delete(ctx context.Context, endpoint string, opts *SendOptions) *Outcome {
	return c.Send(ctx, http.MethodDelete, endpoint, nil, opts)
}

// send performs the call. retried marks the post-refresh reissue, which must
// not start another refresh cycle.
func (c *Client) send(ctx context.Context, method, endpoint string, body any, opts *SendOptions, retried bool) *Outcome {
	requestID := uuid.NewString()
	start := time.Now()
	log := c.logger.With().Str("request_id", requestID).Str("method", method).Str("endpoint", endpoint).Logger()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			log.Error().Err(err).Msg("request body not encodable")
			return &Outcome{Kind: KindServer, Message: "encode request body: " + err.Error(), RequestID: requestID}
		}
		payload = b
	}

	status, data, err := c.doRequest(ctx, method, endpoint, payload, opts, requestID)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug().Msg("request cancelled")
			return &Outcome{Kind: KindCancelled, Message: msgCancelled, RequestID: requestID}
		}
		log.Warn().Err(err).Msg("request failed")
		return &Outcome{Kind: KindTransport, Message: msgTransport, RequestID: requestID}
	}
	log.Debug().Int("status", status).Dur("took", time.Since(start)).Msg("request done")

	switch {
	case status >= 200 && status < 300:
		out := &Outcome{OK: true, Kind: KindSuccess, Status: status, RequestID: requestID}
		if len(bytes.TrimSpace(data)) > 0 {
			out.Data = json.RawMessage(data)
		}
		return out
	case status == http.StatusUnauthorized && !retried:
		if c.refresher.Refresh(ctx) {
			log.Debug().Msg("retrying after credential refresh")
			return c.send(ctx, method, endpoint, body, opts, true)
		}
		if ctx.Err() != nil {
			return &Outcome{Kind: KindCancelled, Message: msgCancelled, RequestID: requestID}
		}
		log.Warn().Msg("session expired")
		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
		return &Outcome{Kind: KindSessionExpired, Status: status, Message: msgSessionExpired, RequestID: requestID}
	default:
		return &Outcome{Kind: KindServer, Status: status, Message: extractMessage(data, status), RequestID: requestID}
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, opts *SendOptions, requestID string) (int, []byte, error) {
	u := c.baseURL + path
	if opts != nil && len(opts.Query) > 0 {
		params := url.Values{}
		for k, v := range opts.Query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// ============================================================================
// Credential endpoint
// ============================================================================

// RefreshCredentials calls the refresh endpoint once. A token in the response
// replaces the stored one; a success without a token is accepted for cookie
// based sessions. It is the RefreshFunc behind Refresher.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	status, data, err := c.doRequest(ctx, http.MethodPost, c.refreshPath, nil, nil, uuid.NewString())
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, status)
	}
	if token, err := extractToken(data); err == nil {
		c.tokens.SetToken(token)
	}
	return nil
}

// FetchToken asks the token endpoint for a credential to authenticate the
// duplex channel. It goes through Send, so an expired session is refreshed
// once on the way. The bearer token used for requests is left alone.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	out := c.Get(ctx, c.tokenPath, nil)
	if err := out.Err(); err != nil {
		return "", err
	}
	return extractToken(out.Data)
}

// ============================================================================
// Error message extraction
// ============================================================================

// extractMessage picks a human readable message from an error body:
// error, message, aggregated validation errors, title, then a status fallback.
func extractMessage(body []byte, status int) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		if v := r.Get("error"); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
		if v := r.Get("error.message"); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
		if v := r.Get("message"); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
		if msgs := validationMessages(r.Get("errors")); len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
		if v := r.Get("title"); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return fallbackMessage(status)
}

// validationMessages flattens {"field": ["a", "b"]}, {"field": "a"},
// ["a", "b"] and [{"message": "a"}] shapes.
func validationMessages(v gjson.Result) []string {
	if !v.IsObject() && !v.IsArray() {
		return nil
	}
	var msgs []string
	var collect func(item gjson.Result)
	collect = func(item gjson.Result) {
		switch {
		case item.Type == gjson.String && item.Str != "":
			msgs = append(msgs, item.Str)
		case item.IsArray():
			item.ForEach(func(_, el gjson.Result) bool {
				collect(el)
				return true
			})
		case item.IsObject():
			if m := item.Get("message"); m.Type == gjson.String {
				collect(m)
				return
			}
			item.ForEach(func(_, el gjson.Result) bool {
				collect(el)
				return true
			})
		}
	}
	collect(v)
	return msgs
}

func fallbackMessage(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "Invalid request"
	case status == http.StatusUnauthorized:
		return "Authentication required"
	case status == http.StatusForbidden:
		return "You do not have permission to perform this action"
	case status == http.StatusNotFound:
		return "The requested resource was not found"
	case status == http.StatusConflict:
		return "The request conflicts with the current state"
	case status == http.StatusUnprocessableEntity:
		return "Validation failed"
	case status == http.StatusTooManyRequests:
		return "Too many requests. Please slow down."
	case status >= 500:
		return "Server error. Please try again later."
	default:
		return fmt.Sprintf("Request failed with status %d", status)
	}
}
