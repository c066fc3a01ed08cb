package service

import (
	"net/http"
	"net/url"
	"strings"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/policy"
)

// Validator decides whether an inbound request may be forwarded.
type Validator struct {
	policy        *policy.Store
	route         string
	requireOrigin bool
}

// NewValidator creates a Validator for the configured route prefix.
func NewValidator(cfg *config.Config, p *policy.Store) *Validator {
	return &Validator{
		policy:        p,
		route:         cfg.Server.Route,
		requireOrigin: cfg.CORS.RequireOrigin,
	}
}

// Evaluate checks origin, route, method, target syntax, and target policy, in
// that order, and stops at the first failure. Preflight requests are decided
// before the target is looked at.
func (v *Validator) Evaluate(req *model.InboundRequest) model.Decision {
	d := model.Decision{IsCORS: req.HasOrigin()}

	switch {
	case !req.HasOrigin() && v.requireOrigin:
		return deny(d, model.DenialNoOrigin)
	case req.HasOrigin() && !v.policy.AllowsOrigin(req.Origin):
		return deny(d, model.DenialOriginNotAllowed)
	}

	if !strings.HasPrefix(req.Path, v.route) {
		return deny(d, model.DenialBadRoute)
	}

	switch req.Method {
	case http.MethodOptions:
		d.Permitted = true
		return d
	case http.MethodGet:
	default:
		return deny(d, model.DenialMethodNotAllowed)
	}

	target, ok := ParseTarget(strings.TrimPrefix(req.Path, v.route), req.RawQuery)
	if !ok {
		return deny(d, model.DenialInvalidTarget)
	}
	if !v.policy.AllowsTarget(target.String()) {
		return deny(d, model.DenialTargetNotAllowed)
	}

	d.Permitted = true
	d.Target = target
	return d
}

func deny(d model.Decision, reason model.Denial) model.Decision {
	d.Permitted = false
	d.Denial = reason
	return d
}

// ParseTarget decodes the escaped path remainder after the route prefix into
// an absolute HTTPS URL. A query string on the inbound request belongs to the
// target, unless the encoded target already carries its own query.
func ParseTarget(escaped, rawQuery string) (*url.URL, bool) {
	raw, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, false
	}
	if rawQuery != "" && !strings.Contains(raw, "?") {
		raw += "?" + rawQuery
	}
	return IsHTTPSURI(raw)
}

// IsHTTPSURI reports whether raw is an absolute https URI with a host, and returns it parsed.
func IsHTTPSURI(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "https" || u.Opaque != "" || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}
