// Package hub ties discovery, the launcher, the route table and the compute
// backend together. A host application holds one Hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/vizhub/vizhub/catalog"
	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/processes"
	"github.com/tomyedwab/vizhub/vizhub/routing"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// ParaViewAuditor records compute-backend launches.
type ParaViewAuditor interface {
	LogParaViewLaunch(backend, name string, code int, message string) error
	LogParaViewCancel(backend, jobID string, cancelErr error) error
}

// ParaViewMetrics counts compute-backend launches.
type ParaViewMetrics interface {
	ParaViewLaunch(backend string, code int)
}

// Hub is the single object the host application talks to.
type Hub struct {
	catalog     *catalog.Catalog
	searchPaths func() []string
	launcher    *processes.Launcher
	routes      *routing.RouteTable
	backend     compute.Backend
	backendName string
	auditor     ParaViewAuditor
	metrics     ParaViewMetrics
	logger      *slog.Logger
}

// Config holds configuration options for the Hub.
type Config struct {
	Catalog     *catalog.Catalog
	SearchPaths func() []string // Called on every discovery
	Launcher    *processes.Launcher
	Routes      *routing.RouteTable
	Backend     compute.Backend
	BackendName string          // For logs, metrics and audit
	Auditor     ParaViewAuditor // Optional
	Metrics     ParaViewMetrics // Optional
	Logger      *slog.Logger    // Optional, defaults to slog.Default()
}

// New creates a Hub.
func New(config Config) (*Hub, error) {
	switch {
	case config.Catalog == nil:
		return nil, fmt.Errorf("Catalog is required")
	case config.SearchPaths == nil:
		return nil, fmt.Errorf("SearchPaths is required")
	case config.Launcher == nil:
		return nil, fmt.Errorf("Launcher is required")
	case config.Routes == nil:
		return nil, fmt.Errorf("Routes is required")
	case config.Backend == nil:
		return nil, fmt.Errorf("Backend is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		catalog:     config.Catalog,
		searchPaths: config.SearchPaths,
		launcher:    config.Launcher,
		routes:      config.Routes,
		backend:     config.Backend,
		backendName: config.BackendName,
		auditor:     config.Auditor,
		metrics:     config.Metrics,
		logger:      logger.With("component", "Hub"),
	}, nil
}

// DiscoverApps scans the current search paths.
func (h *Hub) DiscoverApps() ([]types.AppDescriptor, error) {
	paths := h.searchPaths()
	h.logger.Debug("Discovering apps", "paths", paths)
	return h.catalog.Discover(paths)
}

// FindApp returns the first discovered app with the given name. When the
// same name exists under several search paths the earliest path wins.
func (h *Hub) FindApp(name string) (types.AppDescriptor, error) {
	apps, err := h.DiscoverApps()
	if err != nil {
		return types.AppDescriptor{}, err
	}
	for _, app := range apps {
		if app.Name == name {
			return app, nil
		}
	}
	return types.AppDescriptor{}, types.NotFoundError("find app", name)
}

// LaunchApp discovers the named app and launches it.
func (h *Hub) LaunchApp(ctx context.Context, name string, opts types.LaunchOptions) (*processes.Instance, error) {
	app, err := h.FindApp(name)
	if err != nil {
		return nil, err
	}
	return h.launcher.Launch(ctx, app, opts)
}

// Launch launches an already discovered app.
func (h *Hub) Launch(ctx context.Context, app types.AppDescriptor, opts types.LaunchOptions) (*processes.Instance, error) {
	return h.launcher.Launch(ctx, app, opts)
}

// StopApp stops a running instance.
func (h *Hub) StopApp(ctx context.Context, id string) error {
	return h.launcher.Stop(ctx, id)
}

// Instance returns a running instance.
func (h *Hub) Instance(id string) (*processes.Instance, bool) {
	return h.launcher.Instance(id)
}

// Instances returns the running instances in start order.
func (h *Hub) Instances() []*processes.Instance {
	return h.launcher.Instances()
}

// Routes is the handler for instance traffic.
func (h *Hub) Routes() http.Handler {
	return h.routes
}

// RunningServers lists ParaView servers on the compute backend.
func (h *Hub) RunningServers(ctx context.Context) ([]types.ParaViewServer, error) {
	return h.backend.GetRunningServers(ctx)
}

// LaunchParaView submits a ParaView server and records the outcome.
func (h *Hub) LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus {
	status := h.backend.LaunchParaView(ctx, opts)
	if status.Code != 0 && status.Message == "" {
		status.Message = fmt.Sprintf("launch failed with code %d", status.Code)
	}

	if status.OK() {
		h.logger.Info("ParaView server launched", "backend", h.backendName, "name", opts.Name, "message", status.Message)
	} else {
		h.logger.Warn("ParaView launch rejected", "backend", h.backendName, "name", opts.Name, "code", status.Code, "message", status.Message)
	}
	if h.metrics != nil {
		h.metrics.ParaViewLaunch(h.backendName, status.Code)
	}
	if h.auditor != nil {
		if err := h.auditor.LogParaViewLaunch(h.backendName, opts.Name, status.Code, status.Message); err != nil {
			h.logger.Warn("Failed to record audit event", "error", err)
		}
	}
	return status
}

// CancelParaView stops a server on backends that support it.
func (h *Hub) CancelParaView(ctx context.Context, jobID string) error {
	canceler, ok := h.backend.(compute.Canceler)
	if !ok {
		return types.ConfigurationError("cancel paraview server", h.backendName,
			errors.New("backend cannot cancel servers"))
	}

	err := canceler.Cancel(ctx, jobID)
	if err != nil {
		h.logger.Warn("ParaView cancel failed", "backend", h.backendName, "jobID", jobID, "error", err)
	} else {
		h.logger.Info("ParaView server cancelled", "backend", h.backendName, "jobID", jobID)
	}
	if h.auditor != nil {
		if auditErr := h.auditor.LogParaViewCancel(h.backendName, jobID, err); auditErr != nil {
			h.logger.Warn("Failed to record audit event", "error", auditErr)
		}
	}
	return err
}

// UserData describes the current user.
func (h *Hub) UserData(ctx context.Context) (*types.UserData, error) {
	return h.backend.GetUserData(ctx)
}

// Shutdown stops every running instance.
func (h *Hub) Shutdown(ctx context.Context) {
	h.launcher.Shutdown(ctx)
}
