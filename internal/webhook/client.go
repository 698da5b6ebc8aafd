// Package webhook delivers transition payloads to tenant-configured HTTP
// endpoints with bounded retries and a per-host circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
)

// Options configures a Client.
type Options struct {
	MaxAttempts      int
	Backoff          time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// Request is one webhook delivery.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

// Client delivers webhooks.
type Client struct {
	opts   Options
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewClient creates a webhook client.
func NewClient(opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:     opts,
		client:   client,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Deliver sends req, retrying transport errors and 5xx/429 responses up to
// MaxAttempts. 4xx responses fail immediately.
func (c *Client) Deliver(ctx context.Context, req Request) error {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("webhook: marshal body: %w", err)
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("webhook: invalid url %q", req.URL)
	}
	breaker := c.breaker(u.Host)

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), retry.NewConstant(c.opts.Backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := breaker.Allow(); err != nil {
			return err
		}
		err := c.send(ctx, method, req.URL, req.Headers, body)
		if err == nil {
			breaker.Success()
			return nil
		}
		if se, ok := err.(*StatusError); ok && !isRetryableStatus(se.StatusCode) {
			// The endpoint answered; it is not unhealthy.
			return err
		}
		breaker.Failure()
		observability.LoggerFrom(ctx, c.logger).Debug("webhook attempt failed",
			zap.String("host", u.Host),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
}

func (c *Client) send(ctx context.Context, method, target string, headers map[string]string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// BreakerState returns the breaker state for host.
func (c *Client) BreakerState(host string) BreakerState {
	return c.breaker(host).State()
}

func (c *Client) breaker(host string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = NewBreaker(c.opts.FailureThreshold, 1, c.opts.Cooldown)
		c.breakers[host] = b
	}
	return b
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
