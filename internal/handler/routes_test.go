package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream, nil, nil, 3000)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET proxy route", http.MethodGet, proxyPath(upstream.URL + "/x"), http.StatusOK},
		{"OPTIONS proxy route", http.MethodOptions, proxyPath(upstream.URL + "/x"), http.StatusOK},
		{"PUT proxy route", http.MethodPut, proxyPath(upstream.URL + "/x"), http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			s.echo.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposeProxyCollectors(t *testing.T) {
	s := newTestStack(t, nil, []string{"https://site.test"}, nil, 3000)

	req := httptest.NewRequest(http.MethodGet, "/cors-proxy/x", http.NoBody)
	req.Header.Set("Origin", "https://evil.test")
	s.echo.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `cors_proxy_denials_total{reason="origin-not-allowed"} 1`) {
		t.Errorf("metrics output missing denial counter:\n%s", rec.Body.String())
	}
}
