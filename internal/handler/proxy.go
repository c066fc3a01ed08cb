package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/service"
)

// allowedMethods is sent in the Allow header of 405 responses.
const allowedMethods = "GET, OPTIONS"

// denialMessages are the client-facing error texts per denial.
var denialMessages = map[model.Denial]string{
	model.DenialNoOrigin:         "origin not provided",
	model.DenialOriginNotAllowed: "origin not allowed",
	model.DenialBadRoute:         "not found",
	model.DenialMethodNotAllowed: "method not allowed",
	model.DenialInvalidTarget:    "there is no valid target in the request",
	model.DenialTargetNotAllowed: "target not allowed",
}

// ProxyHandler admits, forwards, and streams cross-origin GET requests.
type ProxyHandler struct {
	validator *service.Validator
	forwarder *service.Forwarder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable denial counting.
func NewProxyHandler(v *service.Validator, f *service.Forwarder, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		validator: v,
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Handle runs one request from validation to a single terminal response.
// Denied requests never carry CORS headers.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Method:           req.Method,
		Path:             req.URL.EscapedPath(),
		RawQuery:         req.URL.RawQuery,
		Origin:           req.Header.Get(echo.HeaderOrigin),
		RequestedHeaders: req.Header.Get(echo.HeaderAccessControlRequestHeaders),
	}

	d := h.validator.Evaluate(in)
	if !d.Permitted {
		return h.deny(c, in, d.Denial)
	}

	if d.IsCORS {
		ApplyCORS(c.Response().Header(), in.Origin, in.RequestedHeaders)
	}

	if in.Method == http.MethodOptions {
		h.logger.Debug("preflight", "origin", in.Origin)
		return c.NoContent(http.StatusOK)
	}

	return h.forward(c, d.Target)
}

func (h *ProxyHandler) deny(c echo.Context, in *model.InboundRequest, reason model.Denial) error {
	h.logger.Info("request denied",
		"reason", string(reason),
		"method", in.Method,
		"origin", in.Origin,
		"remote_ip", c.RealIP(),
	)
	if h.metrics != nil {
		h.metrics.Denials.WithLabelValues(string(reason)).Inc()
	}

	if reason == model.DenialMethodNotAllowed {
		c.Response().Header().Set(echo.HeaderAllow, allowedMethods)
	}
	return c.JSON(reason.StatusCode(), map[string]string{
		"error": denialMessages[reason],
	})
}

func (h *ProxyHandler) forward(c echo.Context, target *url.URL) error {
	req := c.Request()

	h.logger.Info("forwarding request",
		"target_host", target.Host,
		"remote_ip", c.RealIP(),
	)

	resp, err := h.forwarder.Forward(req.Context(), target, req.Header)
	if err != nil {
		return h.mapError(c, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)

	// Once the status line is out nothing else can be reported, so a failed
	// stream aborts the client connection instead of ending the body cleanly.
	if _, err := h.forwarder.Relay(res, res.Flush, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target_host", target.Host,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, target *url.URL, err error) error {
	kind := client.KindTransport
	var uerr *client.UpstreamError
	if errors.As(err, &uerr) {
		kind = uerr.Kind
	}

	switch kind {
	case client.KindTimeout:
		h.logger.Warn("upstream timed out", "err", err, "target_host", target.Host)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "target did not respond in time",
		})
	case client.KindCanceled:
		h.logger.Debug("client went away before upstream responded", "target_host", target.Host)
	default:
		h.logger.Error("proxy error", "err", err, "target_host", target.Host)
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "can't connect to target",
	})
}
