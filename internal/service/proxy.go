// Package service implements request admission and the forwarding engine.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/model"
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"User-Agent",
}

// forwardableResponseHeaders are the only response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Cache-Control":  true,
	"Last-Modified":  true,
	"Content-Length": true,
}

const (
	// userAgent is sent when the client did not supply one.
	userAgent = "cors-proxy-go/1.0"

	// drainLimit caps how much of a discarded non-200 body is read so the
	// connection can be reused.
	drainLimit = 64 << 10

	relayBufferSize = 32 << 10
)

// Forwarder performs the outbound request and relays the response.
type Forwarder struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.UpstreamClient, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: c,
		logger: logger.With("component", "forwarder"),
	}
}

// Forward fetches target with the allow-listed subset of inbound headers.
// Only a 200 response keeps its body; any other status comes back with the
// body drained and discarded. The caller is responsible for closing the body.
func (f *Forwarder) Forward(ctx context.Context, target *url.URL, inbound http.Header) (*model.ForwardResponse, error) {
	resp, err := f.client.Get(ctx, target, filterRequestHeaders(inbound))
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	f.logger.Debug("upstream responded",
		"host", target.Host,
		"status", resp.StatusCode,
	)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		_ = resp.Body.Close()
		return &model.ForwardResponse{
			StatusCode: resp.StatusCode,
			Header:     make(http.Header),
			Body:       http.NoBody,
		}, nil
	}

	header := filterResponseHeaders(resp.Header)
	if header.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	return &model.ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

// Relay copies src to dst one chunk at a time, flushing after every write so
// bytes reach the client as they arrive. It returns the number of bytes written.
func (f *Forwarder) Relay(dst io.Writer, flush func(), src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, fmt.Errorf("write client response: %w", werr)
			}
			if w != n {
				return written, fmt.Errorf("write client response: %w", io.ErrShortWrite)
			}
			flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
