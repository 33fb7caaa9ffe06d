package routing

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

func newTestTable() *RouteTable {
	return NewRouteTable(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

// backendPort starts a server echoing what it received and returns its port.
func backendPort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s query=%s auth=%s prefix=%s trace=%t",
			r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"),
			r.Header.Get("X-Forwarded-Prefix"), r.Header.Get("X-Trace-ID") != "")
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func TestNormalizeBasePath(t *testing.T) {
	assert.Equal(t, "", NormalizeBasePath(""))
	assert.Equal(t, "", NormalizeBasePath("/"))
	assert.Equal(t, "/user/alice", NormalizeBasePath("user/alice/"))
	assert.Equal(t, "/user/alice", NormalizeBasePath("/user/alice"))
}

func TestRegisterReturnsInstancePath(t *testing.T) {
	rt := newTestTable()
	url, err := rt.Register(Target{ID: "0123abcd", Port: 9000, AuthToken: "tok"}, "/user/alice/")
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/trame/0123abcd/", url)
	assert.Contains(t, strings.Split(url, "/"), "0123abcd")

	route, ok := rt.Lookup("0123abcd")
	require.True(t, ok)
	assert.Equal(t, 9000, route.Port)
	assert.Equal(t, 1, rt.Len())
}

func TestRegisterDuplicateKeepsExisting(t *testing.T) {
	rt := newTestTable()
	_, err := rt.Register(Target{ID: "dup", Port: 9000, AuthToken: "a"}, "")
	require.NoError(t, err)

	_, err = rt.Register(Target{ID: "dup", Port: 9001, AuthToken: "b"}, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRouting))

	route, _ := rt.Lookup("dup")
	assert.Equal(t, 9000, route.Port)
}

func TestRegisterRejectsInvalidTargets(t *testing.T) {
	rt := newTestTable()
	for _, target := range []Target{
		{ID: "", Port: 9000, AuthToken: "a"},
		{ID: "../etc", Port: 9000, AuthToken: "a"},
		{ID: "ok", Port: 0, AuthToken: "a"},
		{ID: "ok", Port: 70000, AuthToken: "a"},
		{ID: "ok", Port: 9000, AuthToken: ""},
	} {
		_, err := rt.Register(target, "")
		assert.True(t, types.IsKind(err, types.KindRouting), "target %+v", target)
	}
	assert.Equal(t, 0, rt.Len())
}

func TestConcurrentRegistrationsAreDistinct(t *testing.T) {
	rt := newTestTable()
	var wg sync.WaitGroup
	urls := make([]string, 50)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := rt.Register(Target{ID: fmt.Sprintf("id%02d", i), Port: 9000 + i, AuthToken: "t"}, "/base")
			assert.NoError(t, err)
			urls[i] = url
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, url := range urls {
		assert.False(t, seen[url], "duplicate url %s", url)
		seen[url] = true
	}
	assert.Len(t, rt.Routes(), 50)
}

func TestUnregister(t *testing.T) {
	rt := newTestTable()
	_, err := rt.Register(Target{ID: "gone", Port: 9000, AuthToken: "a"}, "")
	require.NoError(t, err)

	assert.True(t, rt.Unregister("gone"))
	assert.False(t, rt.Unregister("gone"))
	_, ok := rt.Lookup("gone")
	assert.False(t, ok)
}

func TestServeHTTPProxiesAndInjectsToken(t *testing.T) {
	rt := newTestTable()
	port := backendPort(t)
	_, err := rt.Register(Target{ID: "abc", Port: port, AuthToken: "secret-token"}, "/hub")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/hub/trame/abc/index.html?x=1", nil)
	req.Header.Set("Authorization", "Bearer client-credential")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "path=/index.html")
	assert.Contains(t, body, "query=x=1")
	assert.Contains(t, body, "auth=Bearer secret-token")
	assert.Contains(t, body, "prefix=/hub/trame/abc")
	assert.Contains(t, body, "trace=true")
	assert.NotContains(t, body, "client-credential")
}

func TestServeHTTPRedirectsBarePrefix(t *testing.T) {
	rt := newTestTable()
	_, err := rt.Register(Target{ID: "abc", Port: 9000, AuthToken: "t"}, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trame/abc", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/trame/abc/", rec.Header().Get("Location"))
}

func TestServeHTTPUnknownInstance(t *testing.T) {
	rt := newTestTable()
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trame/missing/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPBasePathContainingPrefix(t *testing.T) {
	rt := newTestTable()
	port := backendPort(t)
	url, err := rt.Register(Target{ID: "abc", Port: port, AuthToken: "secret-token"}, "/user/trame")
	require.NoError(t, err)
	assert.Equal(t, "/user/trame/trame/abc/", url)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url+"index.html", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "path=/index.html")
	assert.Contains(t, rec.Body.String(), "prefix=/user/trame/trame/abc")

	// An instance literally named like the prefix segment still resolves.
	_, err = rt.Register(Target{ID: "trame", Port: port, AuthToken: "t"}, "/hub")
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hub/trame/trame/x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "path=/x")
}

func TestServeHTTPWrongBasePath(t *testing.T) {
	rt := newTestTable()
	_, err := rt.Register(Target{ID: "abc", Port: 9000, AuthToken: "t"}, "/user/alice")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/bob/trame/abc/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPBackendDown(t *testing.T) {
	rt := newTestTable()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err = rt.Register(Target{ID: "down", Port: port, AuthToken: "t"}, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trame/down/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
