// Package server exposes the hub to the host application as a JSON API and
// serves instance traffic under <base>/trame/.
//
//	GET    /api/apps
//	GET    /api/instances
//	POST   /api/instances                 {"app", "display_name", "data_directory"}
//	GET    /api/instances/{id}
//	DELETE /api/instances/{id}
//	GET    /api/instances/{id}/logs?count=N&after=ID
//	GET    /api/paraview/servers
//	POST   /api/paraview/servers          {"name", "account", "partition", "nodes", "timeLimit"}
//	DELETE /api/paraview/servers/{id}
//	GET    /api/events?type=T&limit=N     (audit trail, when enabled)
//	GET    /api/instances/{id}/events?limit=N
//	GET    /api/user
//	GET    /healthz
//	GET    /metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tomyedwab/vizhub/vizhub/audit"
	"github.com/tomyedwab/vizhub/vizhub/processes"
	"github.com/tomyedwab/vizhub/vizhub/routing"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

const (
	defaultLogCount   = 100
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Hub is the part of hub.Hub the API uses.
type Hub interface {
	DiscoverApps() ([]types.AppDescriptor, error)
	LaunchApp(ctx context.Context, name string, opts types.LaunchOptions) (*processes.Instance, error)
	StopApp(ctx context.Context, id string) error
	Instance(id string) (*processes.Instance, bool)
	Instances() []*processes.Instance
	Routes() http.Handler
	RunningServers(ctx context.Context) ([]types.ParaViewServer, error)
	LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus
	CancelParaView(ctx context.Context, jobID string) error
	UserData(ctx context.Context) (*types.UserData, error)
}

// EventLog is the read side of the audit trail.
type EventLog interface {
	GetEventsByInstance(instanceID string, limit int) ([]audit.Event, error)
	GetEventsByType(eventType audit.EventType, limit int) ([]audit.Event, error)
	GetRecentEvents(limit int) ([]audit.Event, error)
}

// Config holds configuration options for the API handler.
type Config struct {
	Hub      Hub
	Events   EventLog      // Optional; the event routes are absent without it
	BasePath string        // Host application base path, e.g. "/user/alice"
	Metrics  http.Handler  // Optional, served at /metrics
	Logger   *slog.Logger  // Optional, defaults to slog.Default()
	StopWait time.Duration // Optional, how long DELETE waits for the process; defaults to 30s
}

// LaunchRequest is the body of POST /api/instances.
type LaunchRequest struct {
	App           string `json:"app"`
	DisplayName   string `json:"display_name"`
	DataDirectory string `json:"data_directory"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type api struct {
	hub      Hub
	events   EventLog
	logger   *slog.Logger
	stopWait time.Duration
}

// New builds the router.
func New(config Config) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		hub:      config.Hub,
		events:   config.Events,
		logger:   logger.With("component", "API"),
		stopWait: config.StopWait,
	}
	if a.stopWait == 0 {
		a.stopWait = 30 * time.Second
	}
	base := routing.NormalizeBasePath(config.BasePath)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get(base+"/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	if config.Metrics != nil {
		r.Method(http.MethodGet, base+"/metrics", config.Metrics)
	}

	r.Route(base+"/api", func(r chi.Router) {
		r.Get("/apps", a.handleListApps)
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", a.handleListInstances)
			r.Post("/", a.handleLaunch)
			r.Get("/{id}", a.handleGetInstance)
			r.Delete("/{id}", a.handleStop)
			r.Get("/{id}/logs", a.handleLogs)
			if a.events != nil {
				r.Get("/{id}/events", a.handleInstanceEvents)
			}
		})
		r.Get("/paraview/servers", a.handleListServers)
		r.Post("/paraview/servers", a.handleLaunchParaView)
		r.Delete("/paraview/servers/{id}", a.handleCancelParaView)
		r.Get("/user", a.handleUser)
		if a.events != nil {
			r.Get("/events", a.handleEvents)
		}
	})

	r.Handle(base+"/"+routing.PathPrefix+"/*", config.Hub.Routes())

	return r
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConfiguration:
		return http.StatusUnprocessableEntity
	case types.KindResourceAcquisition:
		return http.StatusServiceUnavailable
	case types.KindBackend:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("Request failed", "error", err, "status", status)
	}
	a.writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(types.KindOf(err))})
}

func (a *api) badRequest(w http.ResponseWriter, msg string) {
	a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: "request"})
}

func (a *api) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.hub.DiscoverApps()
	if err != nil {
		a.writeError(w, err)
		return
	}
	if apps == nil {
		apps = []types.AppDescriptor{}
	}
	a.writeJSON(w, http.StatusOK, apps)
}

func infos(instances []*processes.Instance) []processes.InstanceInfo {
	out := make([]processes.InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Info())
	}
	return out
}

func (a *api) handleListInstances(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, infos(a.hub.Instances()))
}

func (a *api) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, "Invalid request body")
		return
	}
	if req.App == "" {
		a.badRequest(w, "Missing required field: app")
		return
	}

	// The user's home directory is the default data directory.
	if req.DataDirectory == "" {
		user, err := a.hub.UserData(r.Context())
		if err != nil {
			a.writeError(w, err)
			return
		}
		req.DataDirectory = user.HomeDirectory
	}

	inst, err := a.hub.LaunchApp(r.Context(), req.App, types.LaunchOptions{
		DisplayName:   req.DisplayName,
		DataDirectory: req.DataDirectory,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Location", inst.BaseURL)
	a.writeJSON(w, http.StatusCreated, inst.Info())
}

func (a *api) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := a.hub.Instance(id)
	if !ok {
		a.writeError(w, types.NotFoundError("get instance", id))
		return
	}
	a.writeJSON(w, http.StatusOK, inst.Info())
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.stopWait)
	defer cancel()
	if err := a.hub.StopApp(ctx, chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := a.hub.Instance(id)
	if !ok {
		a.writeError(w, types.NotFoundError("get logs", id))
		return
	}

	w.Header().Set("X-Log-Latest-ID", strconv.FormatInt(inst.Logs.LatestID(), 10))
	query := r.URL.Query()
	if after := query.Get("after"); after != "" {
		fromID, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			a.badRequest(w, "Invalid after parameter")
			return
		}
		a.writeJSON(w, http.StatusOK, nonNil(inst.Logs.GetEntriesFromID(fromID)))
		return
	}

	count := defaultLogCount
	if c := query.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			a.badRequest(w, "Invalid count parameter")
			return
		}
		count = n
	}
	a.writeJSON(w, http.StatusOK, nonNil(inst.Logs.GetLatestEntries(count)))
}

func nonNil(entries []processes.ProcessLogEntry) []processes.ProcessLogEntry {
	if entries == nil {
		return []processes.ProcessLogEntry{}
	}
	return entries
}

func (a *api) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.hub.RunningServers(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if servers == nil {
		servers = []types.ParaViewServer{}
	}
	a.writeJSON(w, http.StatusOK, servers)
}

func (a *api) handleLaunchParaView(w http.ResponseWriter, r *http.Request) {
	var opts types.ParaViewOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		a.badRequest(w, "Invalid request body")
		return
	}
	// A rejected launch is still a well-formed answer; the UI shows the
	// message when code is nonzero.
	a.writeJSON(w, http.StatusOK, a.hub.LaunchParaView(r.Context(), opts))
}

func (a *api) handleCancelParaView(w http.ResponseWriter, r *http.Request) {
	if err := a.hub.CancelParaView(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventLimit reads ?limit, clamped to maxEventLimit.
func eventLimit(r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultEventLimit, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxEventLimit), true
}

func (a *api) writeEvents(w http.ResponseWriter, events []audit.Event, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]audit.EventInfo, 0, len(events))
	for _, e := range events {
		out = append(out, e.Info())
	}
	a.writeJSON(w, http.StatusOK, out)
}

// handleInstanceEvents answers for exited instances too; the audit trail
// outlives them.
func (a *api) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := eventLimit(r)
	if !ok {
		a.badRequest(w, "Invalid limit parameter")
		return
	}
	events, err := a.events.GetEventsByInstance(chi.URLParam(r, "id"), limit)
	a.writeEvents(w, events, err)
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := eventLimit(r)
	if !ok {
		a.badRequest(w, "Invalid limit parameter")
		return
	}
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		events, err := a.events.GetEventsByType(audit.EventType(eventType), limit)
		a.writeEvents(w, events, err)
		return
	}
	events, err := a.events.GetRecentEvents(limit)
	a.writeEvents(w, events, err)
}

func (a *api) handleUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.hub.UserData(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}
