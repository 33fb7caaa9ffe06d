package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/vizhub/vizhub/audit"
	"github.com/tomyedwab/vizhub/vizhub/credentials"
	"github.com/tomyedwab/vizhub/vizhub/processes"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

type fakeHub struct {
	apps         []types.AppDescriptor
	discoverErr  error
	instances    map[string]*processes.Instance
	launched     []types.LaunchOptions
	launchErr    error
	stopped      []string
	servers      []types.ParaViewServer
	paraviewOpts []types.ParaViewOptions
	status       types.LaunchStatus
	cancelled    []string
	routes       http.Handler
}

func (f *fakeHub) DiscoverApps() ([]types.AppDescriptor, error) { return f.apps, f.discoverErr }

func (f *fakeHub) LaunchApp(ctx context.Context, name string, opts types.LaunchOptions) (*processes.Instance, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launched = append(f.launched, opts)
	inst := newInstance("new1", name)
	inst.BaseURL = "/user/alice/trame/new1/"
	inst.DisplayName = opts.DisplayName
	inst.DataDirectory = opts.DataDirectory
	return inst, nil
}

func (f *fakeHub) StopApp(ctx context.Context, id string) error {
	if _, ok := f.instances[id]; !ok {
		return types.NotFoundError("stop instance", id)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeHub) Instance(id string) (*processes.Instance, bool) {
	inst, ok := f.instances[id]
	return inst, ok
}

func (f *fakeHub) Instances() []*processes.Instance {
	out := []*processes.Instance{}
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}

func (f *fakeHub) Routes() http.Handler { return f.routes }

func (f *fakeHub) RunningServers(ctx context.Context) ([]types.ParaViewServer, error) {
	return f.servers, nil
}

func (f *fakeHub) LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus {
	f.paraviewOpts = append(f.paraviewOpts, opts)
	return f.status
}

func (f *fakeHub) CancelParaView(ctx context.Context, jobID string) error {
	switch jobID {
	case "unsupported":
		return types.ConfigurationError("cancel paraview server", "slurm", errors.New("backend cannot cancel servers"))
	case "7":
		f.cancelled = append(f.cancelled, jobID)
		return nil
	}
	return types.NotFoundError("cancel job", jobID)
}

func (f *fakeHub) UserData(ctx context.Context) (*types.UserData, error) {
	return &types.UserData{Name: "alice", HomeDirectory: "/home/alice"}, nil
}

func newInstance(id, app string) *processes.Instance {
	return &processes.Instance{
		Credentials: &credentials.Credentials{ID: id, AuthToken: "secret-token"},
		App:         types.AppDescriptor{Name: app},
		Logs:        processes.NewLogBuffer(10),
	}
}

// fakeEvents serves canned audit rows and records the queries.
type fakeEvents struct {
	events  []audit.Event
	queries []string
}

func (f *fakeEvents) GetEventsByInstance(instanceID string, limit int) ([]audit.Event, error) {
	f.queries = append(f.queries, fmt.Sprintf("instance=%s limit=%d", instanceID, limit))
	return f.events, nil
}

func (f *fakeEvents) GetEventsByType(eventType audit.EventType, limit int) ([]audit.Event, error) {
	f.queries = append(f.queries, fmt.Sprintf("type=%s limit=%d", eventType, limit))
	return f.events, nil
}

func (f *fakeEvents) GetRecentEvents(limit int) ([]audit.Event, error) {
	f.queries = append(f.queries, fmt.Sprintf("recent limit=%d", limit))
	return nil, nil
}

func newServer(t *testing.T, hub *fakeHub) http.Handler {
	t.Helper()
	return newServerWithEvents(t, hub, nil)
}

func newServerWithEvents(t *testing.T, hub *fakeHub, events EventLog) http.Handler {
	t.Helper()
	if hub.routes == nil {
		hub.routes = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("routed:" + r.URL.Path))
		})
	}
	return New(Config{
		Hub:      hub,
		Events:   events,
		BasePath: "/user/alice/",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("metrics"))
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newServer(t, &fakeHub{})
	rec := do(t, h, http.MethodGet, "/user/alice/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/user/alice/metrics", "")
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestListApps(t *testing.T) {
	h := newServer(t, &fakeHub{apps: []types.AppDescriptor{{Name: "cone", DisplayName: "Cone"}}})
	rec := do(t, h, http.MethodGet, "/user/alice/api/apps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	apps := decode[[]types.AppDescriptor](t, rec)
	assert.Equal(t, "cone", apps[0].Name)

	h = newServer(t, &fakeHub{})
	rec = do(t, h, http.MethodGet, "/user/alice/api/apps", "")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListAppsConfigurationError(t *testing.T) {
	err := types.ConfigurationError("load manifest", "/apps/trame/bad", errors.New("command is required"))
	h := newServer(t, &fakeHub{discoverErr: err})
	rec := do(t, h, http.MethodGet, "/user/alice/api/apps", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "configuration", resp.Kind)
	assert.Contains(t, resp.Error, "/apps/trame/bad")
}

func TestLaunchInstance(t *testing.T) {
	hub := &fakeHub{}
	h := newServer(t, hub)

	rec := do(t, h, http.MethodPost, "/user/alice/api/instances", `{"app":"cone","display_name":"Run 1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/user/alice/trame/new1/", rec.Header().Get("Location"))

	info := decode[processes.InstanceInfo](t, rec)
	assert.Equal(t, "new1", info.ID)
	assert.Equal(t, "Run 1", info.DisplayName)
	assert.Equal(t, "/home/alice", info.DataDirectory, "home directory is the default data directory")
	assert.NotContains(t, rec.Body.String(), "secret-token")
}

func TestLaunchInstanceBadRequests(t *testing.T) {
	h := newServer(t, &fakeHub{})
	rec := do(t, h, http.MethodPost, "/user/alice/api/instances", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/user/alice/api/instances", `{"display_name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunchInstanceErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.NotFoundError("find app", "cone"), http.StatusNotFound},
		{types.ResourceError("allocate port", errors.New("no ports")), http.StatusServiceUnavailable},
		{types.SpawnError("cone", errors.New("exec format error")), http.StatusInternalServerError},
		{types.RoutingError("abc", errors.New("duplicate")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := newServer(t, &fakeHub{launchErr: tt.err})
		rec := do(t, h, http.MethodPost, "/user/alice/api/instances", `{"app":"cone","data_directory":"/d"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Equal(t, string(types.KindOf(tt.err)), decode[ErrorResponse](t, rec).Kind)
	}
}

func TestInstancesAndLogs(t *testing.T) {
	inst := newInstance("abc", "cone")
	inst.Logs.AddEntry("info", "stdout", "line 1")
	inst.Logs.AddEntry("error", "stderr", "line 2")
	inst.Logs.AddEntry("info", "stdout", "line 3")
	hub := &fakeHub{instances: map[string]*processes.Instance{"abc": inst}}
	h := newServer(t, hub)

	rec := do(t, h, http.MethodGet, "/user/alice/api/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]processes.InstanceInfo](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].ID)

	rec = do(t, h, http.MethodGet, "/user/alice/api/instances/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/user/alice/api/instances/abc/logs?count=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Log-Latest-ID"))
	entries := decode[[]processes.ProcessLogEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "line 2", entries[0].Message)

	rec = do(t, h, http.MethodGet, "/user/alice/api/instances/abc/logs?after=2", "")
	entries = decode[[]processes.ProcessLogEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "line 3", entries[0].Message)

	rec = do(t, h, http.MethodGet, "/user/alice/api/instances/abc/logs?count=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/user/alice/api/instances/nope/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopInstance(t *testing.T) {
	hub := &fakeHub{instances: map[string]*processes.Instance{"abc": newInstance("abc", "cone")}}
	h := newServer(t, hub)

	rec := do(t, h, http.MethodDelete, "/user/alice/api/instances/abc", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"abc"}, hub.stopped)

	rec = do(t, h, http.MethodDelete, "/user/alice/api/instances/zzz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)
}

func TestParaViewEndpoints(t *testing.T) {
	hub := &fakeHub{
		servers: []types.ParaViewServer{{JobID: "7", Name: "pv1", State: "RUNNING"}},
		status:  types.LaunchStatus{Code: 1, Message: "Invalid account"},
	}
	h := newServer(t, hub)

	rec := do(t, h, http.MethodGet, "/user/alice/api/paraview/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	servers := decode[[]types.ParaViewServer](t, rec)
	assert.Equal(t, "pv1", servers[0].Name)

	rec = do(t, h, http.MethodPost, "/user/alice/api/paraview/servers",
		`{"name":"pv2","account":"proj","partition":"batch","nodes":2,"timeLimit":"01:00:00"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":1,"message":"Invalid account"}`, rec.Body.String())
	require.Len(t, hub.paraviewOpts, 1)
	assert.Equal(t, types.ParaViewOptions{Name: "pv2", Account: "proj", Partition: "batch", Nodes: 2, TimeLimit: "01:00:00"}, hub.paraviewOpts[0])

	rec = do(t, h, http.MethodGet, "/user/alice/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[types.UserData](t, rec).Name)
}

func TestInstanceTrafficGoesToRoutes(t *testing.T) {
	h := newServer(t, &fakeHub{})
	rec := do(t, h, http.MethodGet, "/user/alice/trame/abc/index.html", "")
	assert.Equal(t, "routed:/user/alice/trame/abc/index.html", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/user/alice/trame/abc", "")
	assert.Equal(t, "routed:/user/alice/trame/abc", rec.Body.String())
}

func TestCancelParaViewServer(t *testing.T) {
	hub := &fakeHub{}
	h := newServer(t, hub)

	rec := do(t, h, http.MethodDelete, "/user/alice/api/paraview/servers/7", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"7"}, hub.cancelled)

	rec = do(t, h, http.MethodDelete, "/user/alice/api/paraview/servers/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/user/alice/api/paraview/servers/unsupported", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "configuration", decode[ErrorResponse](t, rec).Kind)
}

func TestAuditEvents(t *testing.T) {
	events := &fakeEvents{events: []audit.Event{{
		ID:         "e1",
		EventType:  string(audit.EventLaunch),
		Timestamp:  1714564800000,
		InstanceID: sql.NullString{String: "abc", Valid: true},
		Port:       sql.NullInt64{Int64: 9000, Valid: true},
	}}}
	h := newServerWithEvents(t, &fakeHub{}, events)

	rec := do(t, h, http.MethodGet, "/user/alice/api/instances/abc/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	infos := decode[[]audit.EventInfo](t, rec)
	require.Len(t, infos, 1)
	assert.Equal(t, "abc", infos[0].InstanceID)
	require.NotNil(t, infos[0].Port)
	assert.Equal(t, int64(9000), *infos[0].Port)

	rec = do(t, h, http.MethodGet, "/user/alice/api/events?type=launch", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/user/alice/api/events?limit=99999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/user/alice/api/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"instance=abc limit=5", "type=launch limit=100", "recent limit=1000"}, events.queries)
}

func TestAuditEventsAbsentWithoutEventLog(t *testing.T) {
	h := newServer(t, &fakeHub{})
	rec := do(t, h, http.MethodGet, "/user/alice/api/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
