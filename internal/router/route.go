package router

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
)

// Route is a compiled route table entry.
type Route struct {
	// Name identifies the route in logs and metrics.
	Name string

	// Prefix is the path prefix this route matches, normalized to have
	// no trailing slash (except the bare "/").
	Prefix string

	// Backend is the parsed backend base URL.
	Backend *url.URL

	// Timeout is the per-route forwarding deadline. Zero means the
	// proxy default applies.
	Timeout time.Duration

	// StripPrefix forwards only the path suffix after Prefix instead
	// of the full request path.
	StripPrefix bool

	// ForwardAuthorization forwards the client's Authorization header
	// to the backend instead of dropping it.
	ForwardAuthorization bool
}

// compileRoute builds a Route from its configuration entry.
func compileRoute(rc config.RouteConfig, i int) (*Route, error) {
	prefix := normalizePrefix(rc.Prefix)
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("routes[%d].prefix: must start with /", i)
	}

	backend, err := url.Parse(rc.Backend)
	if err != nil {
		return nil, fmt.Errorf("routes[%d].backend: %w", i, err)
	}
	if backend.Scheme != "http" && backend.Scheme != "https" {
		return nil, fmt.Errorf("routes[%d].backend: scheme must be http or https", i)
	}
	if backend.Host == "" {
		return nil, fmt.Errorf("routes[%d].backend: host must not be empty", i)
	}

	name := rc.Name
	if name == "" {
		name = deriveName(prefix)
	}

	return &Route{
		Name:                 name,
		Prefix:               prefix,
		Backend:              backend,
		Timeout:              rc.Timeout.Duration(),
		StripPrefix:          rc.StripPrefix,
		ForwardAuthorization: rc.ForwardAuthorization,
	}, nil
}

// normalizePrefix trims a trailing slash so that "/api/users/" and
// "/api/users" compile to the same prefix. The root "/" stays as is.
func normalizePrefix(prefix string) string {
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// deriveName turns a prefix into a metric-friendly route name:
// "/api/users" becomes "api-users", "/" becomes "root".
func deriveName(prefix string) string {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return "root"
	}
	return strings.ReplaceAll(trimmed, "/", "-")
}

// matches reports whether path falls under the route's prefix on a
// whole segment boundary: "/api/users" covers "/api/users" and
// "/api/users/42" but not "/api/users2". The root prefix covers
// every path.
func (r *Route) matches(path string) bool {
	if r.Prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// PathFor returns the path to forward for a matched request path,
// honoring StripPrefix. The stripped form always keeps a leading
// slash so the backend sees a rooted path.
func (r *Route) PathFor(path string) string {
	if !r.StripPrefix || r.Prefix == "/" {
		return path
	}
	suffix := strings.TrimPrefix(path, r.Prefix)
	if suffix == "" || suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return suffix
}
