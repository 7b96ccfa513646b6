// Package httpc is the outbound HTTP layer shared by every REST adapter.
//
// One resty session is cached per netloc (scheme://host:port) so
// connections pool per peer; all sessions share the configured proxy and
// report request counts to the metrics registry. Fetch returns raw bytes —
// decoding stays with the caller, which knows the endpoint's shape.
package httpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"quantd/internal/metrics"
)

// DefaultTimeout bounds requests that don't bring their own.
const DefaultTimeout = 30 * time.Second

// Request describes one HTTP call.
type Request struct {
	Method  string
	URL     string
	Params  url.Values // query parameters appended to the URL
	Body    any        // raw payload: string and []byte pass through untouched
	Data    any        // JSON payload, marshalled and sent as application/json
	Headers map[string]string
	Timeout time.Duration // per-request bound, DefaultTimeout when zero
}

// Client issues HTTP requests through cached per-netloc sessions.
type Client struct {
	logger *slog.Logger
	proxy  string

	mu       sync.Mutex
	sessions map[string]*resty.Client
}

// New constructs a client. proxy may be empty.
func New(logger *slog.Logger, proxy string) *Client {
	return &Client{
		logger:   logger.With("component", "httpc"),
		proxy:    proxy,
		sessions: make(map[string]*resty.Client),
	}
}

// session returns the cached resty client for a netloc, creating it on
// first use. Sessions are never closed.
func (c *Client) session(netloc string) *resty.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[netloc]; ok {
		return s
	}

	s := resty.New()
	if c.proxy != "" {
		s.SetProxy(c.proxy)
	}
	s.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		metrics.HTTPRequests.WithLabelValues(resp.Request.Method, netloc, strconv.Itoa(resp.StatusCode())).Inc()
		return nil
	})

	c.sessions[netloc] = s
	return s
}

// Fetch performs the request and returns the status code and raw body.
// Non-2xx responses return the code, a nil body, and an error carrying the
// response text. Transport failures return a zero code. There is no retry;
// callers that want one schedule their own.
func (c *Client) Fetch(ctx context.Context, req Request) (int, []byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("parse url: %w", err)
	}
	netloc := u.Scheme + "://" + u.Host

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := c.session(netloc).R().SetContext(ctx)
	if len(req.Params) > 0 {
		r.SetQueryParamsFromValues(req.Params)
	}
	if req.Headers != nil {
		r.SetHeaders(req.Headers)
	}
	switch {
	case req.Data != nil:
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.Data)
	case req.Body != nil:
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		c.logger.Error("http request failed", "method", req.Method, "url", req.URL, "error", err)
		return 0, nil, err
	}

	code := resp.StatusCode()
	if code < http.StatusOK || code > http.StatusPartialContent {
		return code, nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL, code, resp.String())
	}
	return code, resp.Body(), nil
}
