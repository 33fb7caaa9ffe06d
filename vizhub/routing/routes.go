// Package routing maps public paths to launched instances and proxies
// requests to them.
//
// Every instance is reachable under <base>/trame/<id>/. The route table is
// the only process-wide state mutated by launches; registrations are
// serialized behind a write lock.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PathPrefix is the fixed path segment in front of every instance ID.
const PathPrefix = "trame"

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Target is where a route forwards to.
type Target struct {
	ID        string
	Port      int
	AuthToken string
}

// Route is a registered mapping.
type Route struct {
	Target
	Prefix string // Public path, always ends in "/"
	proxy  *httputil.ReverseProxy
}

// RouteTable is the registry of instance routes. It is also the
// http.Handler that serves them.
type RouteTable struct {
	mu        sync.RWMutex
	routes    map[string]*Route // Keyed by instance ID
	transport http.RoundTripper
	logger    *slog.Logger
}

// Config holds configuration options for the RouteTable.
type Config struct {
	Transport http.RoundTripper // Optional, defaults to a dedicated http.Transport
	Logger    *slog.Logger      // Optional, defaults to slog.Default()
}

// NewRouteTable creates an empty route table.
func NewRouteTable(config Config) *RouteTable {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := config.Transport
	if transport == nil {
		transport = newTransport()
	}
	return &RouteTable{
		routes:    make(map[string]*Route),
		transport: transport,
		logger:    logger.With("component", "RouteTable"),
	}
}

// NormalizeBasePath returns base with a leading slash and no trailing slash.
// The root path normalizes to "".
func NormalizeBasePath(base string) string {
	base = strings.TrimSpace(base)
	base = strings.Trim(base, "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

// InstancePath returns the public path of an instance.
func InstancePath(hostBasePath, id string) string {
	return fmt.Sprintf("%s/%s/%s/", NormalizeBasePath(hostBasePath), PathPrefix, id)
}

// Register adds a route for target under hostBasePath and returns the
// public base URL. An ID that is already registered is rejected and the
// existing route is left untouched.
func (rt *RouteTable) Register(target Target, hostBasePath string) (string, error) {
	if !validID.MatchString(target.ID) {
		return "", routingError(target.ID, errors.New("invalid instance id"))
	}
	if target.Port <= 0 || target.Port > 65535 {
		return "", routingError(target.ID, fmt.Errorf("invalid port %d", target.Port))
	}
	if target.AuthToken == "" {
		return "", routingError(target.ID, errors.New("missing auth token"))
	}

	prefix := InstancePath(hostBasePath, target.ID)
	route := &Route{Target: target, Prefix: prefix}
	route.proxy = rt.newProxy(route)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if existing, ok := rt.routes[target.ID]; ok {
		return "", routingError(target.ID, fmt.Errorf("already routed to port %d", existing.Port))
	}
	rt.routes[target.ID] = route

	rt.logger.Info("Registered route", "instanceID", target.ID, "prefix", prefix, "port", target.Port)
	return prefix, nil
}

// Unregister removes the route for id. It reports whether a route existed.
func (rt *RouteTable) Unregister(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.routes[id]; !ok {
		return false
	}
	delete(rt.routes, id)
	rt.logger.Info("Removed route", "instanceID", id)
	return true
}

// Lookup returns a copy of the route for id.
func (rt *RouteTable) Lookup(id string) (Route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	route, ok := rt.routes[id]
	if !ok {
		return Route{}, false
	}
	return *route, true
}

// Routes returns copies of all routes sorted by prefix.
func (rt *RouteTable) Routes() []Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	routes := make([]Route, 0, len(rt.routes))
	for _, route := range rt.routes {
		routes = append(routes, *route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Prefix < routes[j].Prefix })
	return routes
}

// Len returns the number of registered routes.
func (rt *RouteTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.routes)
}

// match finds the route serving path. Every segment that follows a
// PathPrefix segment is a candidate ID, since the host base path may itself
// contain one; the candidate whose route prefix covers path wins.
func (rt *RouteTable) match(path string) (Route, bool) {
	parts := strings.Split(path, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != PathPrefix || parts[i+1] == "" {
			continue
		}
		route, ok := rt.Lookup(parts[i+1])
		if ok && (strings.HasPrefix(path, route.Prefix) || path+"/" == route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}
