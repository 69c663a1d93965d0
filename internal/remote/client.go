// Package remote is the HTTP/JSON client for a message relay backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a failed response is kept on APIError.
const maxErrorBody = 512

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Body)
}

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	FromUserID      string `json:"fromUserId"`
	ToUserID        string `json:"toUserId"`
	ContentType     string `json:"contentType"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// FetchRequest selects one conversation page. A zero Since asks for the full
// history.
type FetchRequest struct {
	Viewer string
	Friend string
	Limit  int
	Since  time.Time
}

// Client talks to one relay base URL.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRateLimit spaces outgoing requests with a token bucket. perSecond <= 0
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL. The trailing slash is trimmed.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// SendMessage posts one message and returns the canonical record from the
// response body. The body may be empty.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "/api/messages", nil, body)
	if err != nil {
		return nil, fmt.Errorf("send message %s: %w", req.ClientMessageID, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

type fetchResponse struct {
	Items []json.RawMessage `json:"items"`
}

// FetchMessages returns the raw records of one conversation page. Records are
// left undecoded so a malformed item cannot fail the whole page.
func (c *Client) FetchMessages(ctx context.Context, req FetchRequest) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("viewerUserId", req.Viewer)
	q.Set("friendUserId", req.Friend)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if !req.Since.IsZero() {
		q.Set("since", FormatTime(req.Since))
	}

	raw, err := c.do(ctx, http.MethodGet, "/api/messages", q, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch messages %s/%s: %w", req.Viewer, req.Friend, err)
	}
	var resp fetchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return resp.Items, nil
}

// MarkRead reports that viewer has read the message with serverMessageID.
func (c *Client) MarkRead(ctx context.Context, serverMessageID, viewer string) error {
	body, err := json.Marshal(map[string]string{"viewerUserId": viewer})
	if err != nil {
		return err
	}
	path := "/api/messages/" + url.PathEscape(serverMessageID) + "/read"
	if _, err := c.do(ctx, http.MethodPost, path, nil, body); err != nil {
		return fmt.Errorf("mark read %s: %w", serverMessageID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return io.ReadAll(resp.Body)
}

// FormatTime renders t the way the relay protocol expects timestamps:
// RFC 3339 in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
