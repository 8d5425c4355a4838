package router

import (
	"errors"
	"fmt"
	"sort"

	"github.com/edgegate/edgegate/internal/config"
)

// ErrNoRouteMatch is returned by Lookup when no route covers the
// requested path.
var ErrNoRouteMatch = errors.New("no route matches path")

// Table is the compiled route table. It is built once from
// configuration and never mutated afterwards, so Lookup is safe for
// concurrent use without locking.
type Table struct {
	// routes is ordered longest prefix first; among equal-length
	// prefixes, configuration order is preserved.
	routes []*Route
	byName map[string]*Route
}

// NewTable compiles the configured routes into a lookup table.
func NewTable(routes []config.RouteConfig) (*Table, error) {
	if len(routes) == 0 {
		return nil, errors.New("routes: at least one route is required")
	}

	compiled := make([]*Route, 0, len(routes))
	byName := make(map[string]*Route, len(routes))
	for i, rc := range routes {
		route, err := compileRoute(rc, i)
		if err != nil {
			return nil, err
		}
		if _, exists := byName[route.Name]; exists {
			return nil, fmt.Errorf("routes[%d].name: duplicate route name %q", i, route.Name)
		}
		compiled = append(compiled, route)
		byName[route.Name] = route
	}

	// Longest prefix first. SliceStable keeps configuration order for
	// equal-length prefixes, which makes ties deterministic.
	sort.SliceStable(compiled, func(i, j int) bool {
		return len(compiled[i].Prefix) > len(compiled[j].Prefix)
	})

	return &Table{routes: compiled, byName: byName}, nil
}

// Lookup returns the route with the longest prefix covering path.
// It returns ErrNoRouteMatch when no route covers it.
func (t *Table) Lookup(path string) (*Route, error) {
	for _, route := range t.routes {
		if route.matches(path) {
			return route, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRouteMatch, path)
}

// Get returns a route by name.
func (t *Table) Get(name string) (*Route, bool) {
	route, ok := t.byName[name]
	return route, ok
}

// Routes returns all routes in match order, longest prefix first.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return len(t.routes)
}
