// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// InboundRequest is the part of a client request the validator looks at.
type InboundRequest struct {
	Method string
	// Path is the escaped request path, so an encoded target survives intact.
	Path     string
	RawQuery string
	// Origin is empty when the client sent no Origin header.
	Origin           string
	RequestedHeaders string
}

// HasOrigin reports whether the request came from a browser CORS caller.
func (r *InboundRequest) HasOrigin() bool {
	return r.Origin != ""
}

// Denial names the reason a request was refused.
type Denial string

const (
	DenialNone             Denial = ""
	DenialNoOrigin         Denial = "no-origin"
	DenialOriginNotAllowed Denial = "origin-not-allowed"
	DenialBadRoute         Denial = "bad-route"
	DenialMethodNotAllowed Denial = "method-not-allowed"
	DenialInvalidTarget    Denial = "invalid-target-uri"
	DenialTargetNotAllowed Denial = "target-not-allowed"
)

// StatusCode maps a denial to the status returned to the client.
func (d Denial) StatusCode() int {
	switch d {
	case DenialNoOrigin, DenialOriginNotAllowed:
		return http.StatusNotAcceptable
	case DenialBadRoute:
		return http.StatusNotFound
	case DenialMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case DenialInvalidTarget, DenialTargetNotAllowed:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Decision is the validator's verdict for one inbound request.
type Decision struct {
	Permitted bool
	IsCORS    bool
	Denial    Denial
	// Target is set only for permitted GET requests.
	Target *url.URL
}

// ForwardResponse is the filtered upstream response to be streamed back.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
