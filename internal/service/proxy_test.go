package service

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
)

func newTestForwarder(t *testing.T, srv *httptest.Server, timeoutMS int) *Forwarder {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutMS:       timeoutMS,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwarder(client.NewUpstreamClientForTest(cfg, logger, nil, pool), logger)
}

func targetURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":          {"application/json"},
		"User-Agent":      {"Mozilla/5.0"},
		"Authorization":   {"Bearer secret"},
		"Cookie":          {"session=abc"},
		"Origin":          {"https://site.test"},
		"Referer":         {"https://site.test/page"},
		"Accept-Encoding": {"gzip"},
		"X-Forwarded-For": {"1.2.3.4"},
	}

	dst := filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"User-Agent forwarded", "User-Agent", 1},
		{"Authorization stripped", "Authorization", 0},
		{"Cookie stripped", "Cookie", 0},
		{"Origin stripped", "Origin", 0},
		{"Referer stripped", "Referer", 0},
		{"Accept-Encoding stripped", "Accept-Encoding", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, dst.Values(tt.key), tt.wantLen, "header %q", tt.key)
		})
	}
	assert.Equal(t, "Mozilla/5.0", dst.Get("User-Agent"))
	assert.Len(t, dst, 2)
}

func TestFilterRequestHeaders_DefaultUserAgent(t *testing.T) {
	dst := filterRequestHeaders(http.Header{})
	assert.Equal(t, userAgent, dst.Get("User-Agent"))
	assert.Empty(t, dst.Get("Accept"))
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":                {"application/json"},
		"Content-Length":              {"42"},
		"Cache-Control":               {"max-age=60"},
		"Last-Modified":               {"Mon, 01 Jan 2025 00:00:00 GMT"},
		"Set-Cookie":                  {"session=abc"},
		"Access-Control-Allow-Origin": {"*"},
		"Content-Encoding":            {"gzip"},
		"Transfer-Encoding":           {"chunked"},
		"Etag":                        {`"abc"`},
	}

	dst := filterResponseHeaders(src)

	assert.Equal(t, http.Header{
		"Content-Type":   {"application/json"},
		"Content-Length": {"42"},
		"Cache-Control":  {"max-age=60"},
		"Last-Modified":  {"Mon, 01 Jan 2025 00:00:00 GMT"},
	}, dst)
}

func TestForward_OK(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("X-Internal-Debug", "secret")
		_, _ = w.Write([]byte(`{"a":1}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream, 1000)
	inbound := http.Header{
		"Accept":        {"application/json"},
		"Authorization": {"Bearer secret"},
	}

	resp, err := f.Forward(context.Background(), targetURL(t, upstream.URL+"/data.json"), inbound)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "7", resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("X-Internal-Debug"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestForward_NonOKDiscardsBody(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusNoContent, http.StatusCreated} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(status)
				if status != http.StatusNoContent {
					_, _ = w.Write([]byte("<script>alert(1)</script>"))
				}
			}))
			defer upstream.Close()

			f := newTestForwarder(t, upstream, 1000)
			resp, err := f.Forward(context.Background(), targetURL(t, upstream.URL), http.Header{})
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, status, resp.StatusCode)
			assert.Empty(t, resp.Header)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Empty(t, body)
		})
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := newTestForwarder(t, upstream, 50)
	_, err := f.Forward(context.Background(), targetURL(t, upstream.URL), http.Header{})
	require.Error(t, err)

	var uerr *client.UpstreamError
	require.True(t, errors.As(err, &uerr), "error %v should wrap *client.UpstreamError", err)
	assert.Equal(t, client.KindTimeout, uerr.Kind)
}

// chunkReader hands out one chunk per Read call.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestRelay_InOrderWithFlushPerChunk(t *testing.T) {
	f := &Forwarder{}
	var dst bytes.Buffer
	var flushedAt []int
	src := &chunkReader{chunks: []string{"alpha-", "beta-", "gamma"}}

	n, err := f.Relay(&dst, func() { flushedAt = append(flushedAt, dst.Len()) }, src)
	require.NoError(t, err)

	assert.Equal(t, int64(len("alpha-beta-gamma")), n)
	assert.Equal(t, "alpha-beta-gamma", dst.String())
	assert.Equal(t, []int{6, 11, 16}, flushedAt)
}

func TestRelay_UpstreamErrorMidStream(t *testing.T) {
	f := &Forwarder{}
	var dst bytes.Buffer
	boom := errors.New("connection reset")
	src := &chunkReader{chunks: []string{"partial"}, err: boom}

	n, err := f.Relay(&dst, func() {}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "read upstream body")
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "partial", dst.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestRelay_ClientWriteError(t *testing.T) {
	f := &Forwarder{}
	_, err := f.Relay(failingWriter{}, func() { t.Error("flush after failed write") }, strings.NewReader("data"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write client response")
}

func TestRelay_LargeBody(t *testing.T) {
	f := &Forwarder{}
	payload := bytes.Repeat([]byte("0123456789abcdef"), 16*1024) // 256 KiB
	var dst bytes.Buffer
	flushes := 0

	n, err := f.Relay(&dst, func() { flushes++ }, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.Bytes())
	assert.GreaterOrEqual(t, flushes, len(payload)/relayBufferSize)
}
