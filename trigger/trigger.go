// Package trigger provides the client for the downstream dependency — the
// external long-running function that performs the actual transcription
// work. The dispatcher never talks to the network directly; it goes
// through an Invoker so tests and alternative transports can be swapped in.
package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xraph/conduit"
)

// Invoker performs one downstream call. The context carries the hard
// per-attempt deadline; implementations must honor it. Failures are
// returned as *conduit.DownstreamError so the retry policy and circuit
// breaker can classify them.
type Invoker interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts a plain function to the Invoker interface.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Client invokes an HTTP-triggered external function.
type Client struct {
	url        string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom *http.Client. The per-attempt deadline
// still comes from the context, not the client's Timeout field.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader adds a static header to every invocation (e.g. a function key).
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithLogger sets the structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client that POSTs payloads to the given trigger URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{},
		headers:    make(map[string]string),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke POSTs the payload to the trigger endpoint and returns the response
// body. Failures are classified:
//
//	deadline expiry / network timeout → KindTimeout
//	429 and any 5xx                   → KindTransient
//	any other 4xx                     → KindRejected
//	transport errors                  → KindTransient
func (c *Client) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, conduit.NewDownstreamError(conduit.KindRejected,
			fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-side close

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, classifyTransport(readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("trigger invoked",
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)
		return body, nil
	}

	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyTransport maps a transport-level error to a downstream kind.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return conduit.NewDownstreamError(conduit.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return conduit.NewDownstreamError(conduit.KindTimeout, err)
	}
	return conduit.NewDownstreamError(conduit.KindTransient, err)
}

// classifyStatus maps a non-2xx response to a downstream kind. 429 is
// transient (the dependency is shedding load, exactly what backoff is
// for); other 4xx mean the payload itself was rejected.
func classifyStatus(status int, body []byte) error {
	const maxBodyInErr = 256
	if len(body) > maxBodyInErr {
		body = body[:maxBodyInErr]
	}
	err := fmt.Errorf("trigger returned %d: %s", status, body)

	switch {
	case status == http.StatusTooManyRequests:
		return conduit.NewDownstreamError(conduit.KindTransient, err)
	case status >= 400 && status < 500:
		return conduit.NewDownstreamError(conduit.KindRejected, err)
	default:
		return conduit.NewDownstreamError(conduit.KindTransient, err)
	}
}
