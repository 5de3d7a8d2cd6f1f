package esmservers

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// Forwarder relays a request to a local port, returning the upstream status.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, port int, rest string) int
}

// DispatchRequest is what a rule sees for one incoming request.
type DispatchRequest struct {
	Server    *ProxiedEsmServer
	Rest      string
	Forwarder Forwarder
}

// DispatchRule decides how a request for a live dev server is answered. It
// returns false when it produced no response; the caller then answers 404.
type DispatchRule interface {
	Kind() string
	Dispatch(w http.ResponseWriter, r *http.Request, req DispatchRequest) bool
}

// ForwardRule proxies the request to the dev server's port, optionally under
// a path prefix.
type ForwardRule struct {
	PathPrefix string
}

func (ForwardRule) Kind() string { return RuleForward }

func (f ForwardRule) Dispatch(w http.ResponseWriter, r *http.Request, req DispatchRequest) bool {
	if req.Forwarder == nil || req.Server == nil || req.Server.Port <= 0 {
		return false
	}
	req.Forwarder.Forward(w, r, req.Server.Port, joinPath(f.PathPrefix, req.Rest))
	return true
}

// RedirectRule sends the client straight to the dev server, which suits
// servers that need a direct websocket connection for hot reload.
type RedirectRule struct {
	Host       string // Defaults to "localhost"
	PathPrefix string
	StatusCode int // Defaults to 307
}

func (RedirectRule) Kind() string { return RuleRedirect }

func (rr RedirectRule) Dispatch(w http.ResponseWriter, r *http.Request, req DispatchRequest) bool {
	if req.Server == nil || req.Server.Port <= 0 {
		return false
	}
	host := rr.Host
	if host == "" {
		host = "localhost"
	}
	status := rr.StatusCode
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	target := fmt.Sprintf("http://%s:%d/%s", host, req.Server.Port, joinPath(rr.PathPrefix, req.Rest))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, status)
	return true
}

const (
	RuleForward  = "forward"
	RuleRedirect = "redirect"
)

// RuleSpec is the serialisable form of a DispatchRule, used by the admin API.
type RuleSpec struct {
	Kind       string `json:"kind"`
	PathPrefix string `json:"pathPrefix,omitempty"`
	Host       string `json:"host,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Build returns the rule s describes. An empty kind means forward.
func (s RuleSpec) Build() (DispatchRule, error) {
	switch s.Kind {
	case "", RuleForward:
		return ForwardRule{PathPrefix: s.PathPrefix}, nil
	case RuleRedirect:
		if s.StatusCode != 0 && (s.StatusCode < 300 || s.StatusCode > 399) {
			return nil, fmt.Errorf("invalid redirect status %d", s.StatusCode)
		}
		return RedirectRule{Host: s.Host, PathPrefix: s.PathPrefix, StatusCode: s.StatusCode}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch rule %q", s.Kind)
	}
}

func joinPath(prefix, rest string) string {
	prefix = strings.Trim(prefix, "/")
	rest = strings.TrimPrefix(rest, "/")
	if prefix == "" {
		return rest
	}
	if rest == "" {
		return prefix + "/"
	}
	return path.Join(prefix, rest)
}
