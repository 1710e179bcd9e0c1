// SPDX-License-Identifier: MIT

// Package upstream talks to the Adobe license and log services on behalf of
// the proxy. It owns base-URL rewriting, header hygiene, the optional
// outbound proxy and retry policy for transient failures.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/version"
)

// forwardedHeaders is the allow-list of client headers that travel upstream.
// Everything else (hop-by-hop headers, cookies, proxy auth) is dropped.
var forwardedHeaders = []string{
	"Content-Type",
	"Authorization",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"X-Api-Key",
	"X-Session-Id",
	"X-Request-Id",
	"User-Agent",
}

// CaptureHeaders extracts the forwardable subset of a client request's
// headers for journaling.
func CaptureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// Response is one upstream answer, body fully read. Attempts counts the
// round-trips spent obtaining it, including retried transient failures.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     []byte
	Attempts int
}

// Client forwards stored requests to their upstream target.
type Client struct {
	http        *http.Client
	licenseHost string
	logHost     string
	maxAttempts int
	timeout     time.Duration
	logger      zerolog.Logger
}

// New builds a client from the upstream configuration.
func New(cfg *config.Config) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit test-deployment opt-in
	}
	if proxyURL := cfg.ProxyURL(); proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &Client{
		http:        &http.Client{Transport: transport},
		licenseHost: strings.TrimRight(cfg.FRL.RemoteHost, "/"),
		logHost:     strings.TrimRight(cfg.Log.RemoteHost, "/"),
		maxAttempts: cfg.Upstream.MaxAttempts,
		timeout:     cfg.Upstream.Timeout,
		logger:      log.WithComponent("upstream"),
	}, nil
}

// baseFor maps an upstream target to its configured host.
func (c *Client) baseFor(target protocol.Target) (string, error) {
	switch target {
	case protocol.TargetLicense:
		return c.licenseHost, nil
	case protocol.TargetLog:
		return c.logHost, nil
	}
	return "", &Error{Kind: ErrProtocol, Err: fmt.Errorf("no upstream for target %q", target)}
}

// Do forwards a journaled request and returns the upstream answer.
//
// Transient failures (transport errors, timeouts, 5xx, 429) are retried with
// exponential backoff up to the configured attempt limit. A definitive
// upstream answer of any status returns a non-nil Response; when that answer
// is still a 5xx/429 after the last attempt, the Response comes back together
// with a retryable *Error so the caller can both relay it and keep the
// request queued.
func (c *Client) Do(ctx context.Context, req *store.StoredRequest) (*Response, error) {
	base, err := c.baseFor(req.Target)
	if err != nil {
		return nil, err
	}
	target := base + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), uint64(c.maxAttempts-1)), ctx)

	var resp *Response
	var lastErr *Error
	attempt := 0
	op := func() error {
		attempt++
		r, uerr := c.attempt(ctx, req, target)
		if uerr != nil {
			lastErr = uerr
			resp = r
			c.logger.Warn().
				Str("event", "upstream.attempt_failed").
				Str("request_id", req.ID).
				Str("kind", string(lastErr.Kind)).
				Int("attempt", attempt).
				Err(lastErr.Err).
				Msg("upstream attempt failed")
			if lastErr.Retryable() {
				return lastErr
			}
			return backoff.Permanent(lastErr)
		}
		resp, lastErr = r, nil
		return nil
	}

	err = backoff.Retry(op, policy)
	if resp != nil {
		resp.Attempts = attempt
	}
	if err != nil && lastErr != nil {
		lastErr.Attempts = attempt
		// A 4xx answer is a definitive outcome, not an error.
		if lastErr.Kind == ErrUpstream4xx {
			return resp, nil
		}
		return resp, lastErr
	}
	return resp, nil
}

// attempt performs one upstream exchange.
func (c *Client) attempt(ctx context.Context, req *store.StoredRequest, target string) (*Response, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: ErrProtocol, Err: err}
	}
	for _, name := range forwardedHeaders {
		if v, ok := req.Headers[name]; ok && v != "" {
			httpReq.Header.Set(name, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.Agent())
	}
	httpReq.Header.Set("Via", version.Via())

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyErr(err)
	}

	resp := &Response{
		Status:  httpResp.StatusCode,
		Headers: flattenHeaders(httpResp.Header),
		Body:    body,
	}
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return resp, nil
	}
	return resp, classifyStatus(httpResp.StatusCode)
}

// newBackoff returns the retry schedule: 500ms base, doubling, jittered.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = h.Get(name)
	}
	return out
}
