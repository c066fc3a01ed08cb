// Package client provides the outbound HTTPS client used to fetch proxy targets.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
)

// ErrorKind classifies why an upstream request failed.
type ErrorKind int

const (
	// KindTransport covers DNS, dial, TLS, and protocol failures.
	KindTransport ErrorKind = iota
	// KindTimeout means the timer fired before response headers arrived.
	KindTimeout
	// KindCanceled means the inbound request went away first.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "transport"
	}
}

// UpstreamError is returned by Get for any failure before response headers.
type UpstreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// errTimeout is the cancellation cause recorded by the timeout timer.
var errTimeout = errors.New("no response before timeout")

// UpstreamClient sends GET requests to proxy targets.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return newUpstreamClient(cfg, logger, m, nil)
}

// NewUpstreamClientForTest creates an UpstreamClient that trusts rootCAs.
// This is intended only for tests that use httptest TLS servers.
func NewUpstreamClientForTest(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rootCAs *x509.CertPool) *UpstreamClient {
	return newUpstreamClient(cfg, logger, m, &tls.Config{RootCAs: rootCAs, MinVersion: tls.VersionTLS12})
}

func newUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tlsCfg *tls.Config) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// The per-request timer bounds dialing and TLS; these only cap a single step.
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
		// Relay bytes exactly as the target sent them.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport:     transport,
			CheckRedirect: noRedirects,
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// noRedirects hands every 3xx back as the response itself. Only the validated
// target is ever fetched.
func noRedirects(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

// Get issues a GET to target and returns once response headers arrive.
// The timeout covers dialing, TLS, and waiting for headers only; it is
// disarmed before the body is read. The caller must close the response body.
func (c *UpstreamClient) Get(ctx context.Context, target *url.URL, header http.Header) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(errTimeout) })

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, &UpstreamError{Kind: KindTransport, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = header

	c.logger.Debug("upstream request", "host", target.Host)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	// Stop reports false once the callback has run, so fired is decided by the timer alone.
	fired := !timer.Stop()
	duration := time.Since(start).Seconds()

	if err == nil && fired {
		// Headers raced the timer; the context is already canceled so the body is unusable.
		_ = resp.Body.Close()
		err = context.Cause(ctx)
	}

	if err != nil {
		kind := KindTransport
		switch {
		case fired:
			kind = KindTimeout
		case ctx.Err() != nil:
			kind = KindCanceled
		}
		cancel(nil)
		c.observe(kind.String(), duration)
		return nil, &UpstreamError{Kind: kind, Err: err}
	}

	c.observe("response", duration)
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *UpstreamClient) observe(outcome string, seconds float64) {
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
