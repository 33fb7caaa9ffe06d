package routing

import (
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

func routingError(id string, err error) error {
	return types.RoutingError(id, err)
}

func newTransport() *http.Transport {
	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 600 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil, // Instances are always on localhost
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 180 * time.Second,
	}
}

// newProxy builds the reverse proxy for one route. The public prefix is
// stripped, the client's Authorization header is replaced with the
// instance's token, and a trace ID is attached.
func (rt *RouteTable) newProxy(route *Route) *httputil.ReverseProxy {
	host := "localhost:" + strconv.Itoa(route.Port)
	return &httputil.ReverseProxy{
		Transport: rt.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			rest := strings.TrimPrefix(pr.In.URL.Path, route.Prefix)
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = host
			pr.Out.URL.Path = "/" + rest
			pr.Out.URL.RawPath = ""
			pr.Out.Host = host

			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", strings.TrimSuffix(route.Prefix, "/"))
			pr.Out.Header.Set("Authorization", "Bearer "+route.AuthToken)
			pr.Out.Header.Set("X-Trace-ID", traceID(pr.In))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.logger.Warn("Proxy request failed", "instanceID", route.ID, "path", r.URL.Path, "error", err)
			http.Error(w, "Instance unavailable", http.StatusBadGateway)
		},
	}
}

func traceID(r *http.Request) string {
	if id := r.Header.Get("X-Trace-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

// ServeHTTP proxies <base>/trame/<id>/<rest> to the instance.
func (rt *RouteTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := rt.match(r.URL.Path)
	if !ok {
		rt.logger.Debug("No route for path", "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// The bare prefix without its trailing slash redirects so relative
	// asset URLs in the app resolve under the prefix.
	if r.URL.Path+"/" == route.Prefix {
		target := route.Prefix
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	route.proxy.ServeHTTP(w, r)
}
