package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tomyedwab/vizhub/vizhub/credentials"
	"github.com/tomyedwab/vizhub/vizhub/routing"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

const (
	defaultShell                  = "/bin/sh"
	defaultGracefulShutdownPeriod = 10 * time.Second
	defaultLogBufferSize          = 1000
)

// PortAllocator hands out and takes back TCP ports.
type PortAllocator interface {
	AllocatePort() (int, error)
	ReleasePort(port int)
}

// CredentialIssuer creates per-instance credentials and log files.
type CredentialIssuer interface {
	Issue() (*credentials.Credentials, error)
	OpenLogSink(id string) (*os.File, error)
}

// RouteRegistrar publishes an instance under a public path.
type RouteRegistrar interface {
	Register(target routing.Target, hostBasePath string) (string, error)
	Unregister(id string) bool
}

// Auditor records instance lifecycle events. Errors are logged, never
// returned to the caller of Launch.
type Auditor interface {
	LogLaunch(instanceID, appName string, port int, authToken string) error
	LogLaunchFailed(appName string, cause error) error
	LogStop(instanceID string) error
	LogExit(instanceID string, exitErr error) error
}

// MetricsCollector receives launch and exit observations.
type MetricsCollector interface {
	LaunchCompleted(app string, duration time.Duration, err error)
	InstanceExited(app string, state string)
}

// ErrShuttingDown is returned by Launch once Shutdown has begun.
var ErrShuttingDown = errors.New("launcher is shutting down")

// Launcher starts trame app instances and supervises them until they exit.
// There is no automatic restart.
type Launcher struct {
	mu        sync.RWMutex
	instances map[string]*Instance // Keyed by instance ID
	closing   bool                 // Set by Shutdown; guarded by mu

	ports   PortAllocator
	issuer  CredentialIssuer
	router  RouteRegistrar
	auditor Auditor
	metrics MetricsCollector
	logger  *slog.Logger

	basePath               string
	shell                  string
	environ                func() []string
	gracefulShutdownPeriod time.Duration
	logBufferSize          int

	wg sync.WaitGroup // Supervisor goroutines
}

// Config holds configuration options for the Launcher.
type Config struct {
	Ports                  PortAllocator
	Issuer                 CredentialIssuer
	Router                 RouteRegistrar
	BasePath               string           // Host application base path, e.g. "/user/alice"
	Shell                  string           // Optional, defaults to /bin/sh
	Environ                func() []string  // Optional, defaults to os.Environ
	GracefulShutdownPeriod time.Duration    // Optional, defaults to 10s
	LogBufferSize          int              // Optional, defaults to 1000 lines
	Auditor                Auditor          // Optional
	Metrics                MetricsCollector // Optional
	Logger                 *slog.Logger     // Optional, defaults to slog.Default()
}

// NewLauncher creates a new Launcher instance.
func NewLauncher(config Config) (*Launcher, error) {
	if config.Ports == nil {
		return nil, fmt.Errorf("PortAllocator is required")
	}
	if config.Issuer == nil {
		return nil, fmt.Errorf("CredentialIssuer is required")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("RouteRegistrar is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shell := config.Shell
	if shell == "" {
		shell = defaultShell
	}
	environ := config.Environ
	if environ == nil {
		environ = os.Environ
	}
	grace := config.GracefulShutdownPeriod
	if grace == 0 {
		grace = defaultGracefulShutdownPeriod
	}
	bufSize := config.LogBufferSize
	if bufSize == 0 {
		bufSize = defaultLogBufferSize
	}

	return &Launcher{
		instances:              make(map[string]*Instance),
		ports:                  config.Ports,
		issuer:                 config.Issuer,
		router:                 config.Router,
		auditor:                config.Auditor,
		metrics:                config.Metrics,
		logger:                 logger.With("component", "Launcher"),
		basePath:               config.BasePath,
		shell:                  shell,
		environ:                environ,
		gracefulShutdownPeriod: grace,
		logBufferSize:          bufSize,
	}, nil
}

// launchResources tracks what a launch has acquired so far. Anything still
// held when release runs is given back, in reverse order of acquisition.
type launchResources struct {
	ports   PortAllocator
	port    int
	creds   *credentials.Credentials
	logFile *os.File
	cmd     *exec.Cmd
}

func (r *launchResources) release(logger *slog.Logger) {
	if r.cmd != nil && r.cmd.Process != nil {
		if err := signalGroup(r.cmd, syscall.SIGKILL); err != nil {
			logger.Warn("Failed to kill process after failed launch", "pid", r.cmd.Process.Pid, "error", err)
		}
		r.cmd.Wait()
	}
	if r.logFile != nil {
		r.logFile.Close()
		// Keep the log of a process that ran; it may explain the failure.
		if r.cmd == nil {
			os.Remove(r.logFile.Name())
		}
	}
	if r.creds != nil {
		if err := r.creds.Remove(); err != nil {
			logger.Warn("Failed to remove auth token file", "path", r.creds.AuthTokenPath, "error", err)
		}
	}
	if r.port != 0 {
		r.ports.ReleasePort(r.port)
	}
}

// Launch starts a new instance of app. It returns once the process is
// spawned and routed; it does not wait for the app to become ready.
func (l *Launcher) Launch(ctx context.Context, app types.AppDescriptor, opts types.LaunchOptions) (inst *Instance, err error) {
	start := time.Now()
	res := &launchResources{ports: l.ports}
	defer func() {
		if err != nil {
			res.release(l.logger)
			l.logger.Error("Launch failed", "app", app.Name, "error", err)
			if l.auditor != nil {
				if auditErr := l.auditor.LogLaunchFailed(app.Name, err); auditErr != nil {
					l.logger.Warn("Failed to record audit event", "error", auditErr)
				}
			}
		}
		if l.metrics != nil {
			l.metrics.LaunchCompleted(app.Name, time.Since(start), err)
		}
	}()

	if app.Command == "" {
		return nil, types.ConfigurationError("launch", app.Name, errors.New("app has no command"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.isClosing() {
		return nil, types.ResourceError("launch", ErrShuttingDown)
	}

	l.logger.Info("Starting trame app", "app", app.Name)

	// 1. Resources
	port, err := l.ports.AllocatePort()
	if err != nil {
		return nil, err
	}
	res.port = port

	creds, err := l.issuer.Issue()
	if err != nil {
		return nil, err
	}
	res.creds = creds

	logFile, err := l.issuer.OpenLogSink(creds.ID)
	if err != nil {
		return nil, err
	}
	res.logFile = logFile

	l.logger.Info("Acquired instance resources", "instanceID", creds.ID, "port", port, "logPath", logFile.Name(), "authKeyFile", creds.AuthTokenPath)

	inst = &Instance{
		Credentials:   creds,
		App:           app,
		DisplayName:   opts.DisplayName,
		DataDirectory: opts.DataDirectory,
		Port:          port,
		LogPath:       logFile.Name(),
		Logs:          NewLogBuffer(l.logBufferSize),
		logFile:       logFile,
		state:         StateStarting,
		done:          make(chan struct{}),
	}

	// 2. Environment
	env := BuildEnv(l.environ(), LaunchArgs(port, opts.DataDirectory, creds.AuthTokenPath))

	// 3. Process
	sink := newOutputSink(logFile, inst.Logs)
	inst.stdout = sink.Writer("stdout")
	inst.stderr = sink.Writer("stderr")

	cmd := exec.Command(l.shell, "-c", app.Command)
	cmd.Env = env
	cmd.Dir = app.WorkingDirectory
	cmd.Stdin = nil
	cmd.Stdout = inst.stdout
	cmd.Stderr = inst.stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, types.SpawnError(app.Name, err)
	}
	res.cmd = cmd
	inst.cmd = cmd
	inst.PID = cmd.Process.Pid
	inst.StartedAt = time.Now()

	l.logger.Info("Subprocess started", "instanceID", inst.ID, "pid", inst.PID, "command", app.Command)

	// 4./5. Route
	baseURL, err := l.router.Register(routing.Target{ID: inst.ID, Port: port, AuthToken: creds.AuthToken}, l.basePath)
	if err != nil {
		if types.KindOf(err) == "" {
			err = types.RoutingError(inst.ID, err)
		}
		return nil, err
	}

	inst.mu.Lock()
	inst.BaseURL = baseURL
	inst.state = StateRunning
	inst.mu.Unlock()

	// Shutdown snapshots the instances after setting closing, so an
	// instance added here before closing is set is always stopped by it.
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.router.Unregister(inst.ID)
		return nil, types.ResourceError("launch", ErrShuttingDown)
	}
	l.instances[inst.ID] = inst
	l.wg.Add(1)
	l.mu.Unlock()

	// From here on the supervisor owns the resources.
	*res = launchResources{}

	go l.supervise(inst)

	if l.auditor != nil {
		if err := l.auditor.LogLaunch(inst.ID, app.Name, port, creds.AuthToken); err != nil {
			l.logger.Warn("Failed to record audit event", "instanceID", inst.ID, "error", err)
		}
	}

	l.logger.Info("Trame app launched", "instanceID", inst.ID, "pid", inst.PID, "port", port, "baseURL", baseURL)
	return inst, nil
}

// supervise waits for the process to exit and releases everything the
// instance owns.
func (l *Launcher) supervise(inst *Instance) {
	defer l.wg.Done()

	err := inst.cmd.Wait()
	inst.stdout.Flush()
	inst.stderr.Flush()
	inst.logFile.Close()

	l.router.Unregister(inst.ID)
	l.ports.ReleasePort(inst.Port)
	if rmErr := inst.Credentials.Remove(); rmErr != nil {
		l.logger.Warn("Failed to remove auth token file", "instanceID", inst.ID, "error", rmErr)
	}

	l.mu.Lock()
	delete(l.instances, inst.ID)
	l.mu.Unlock()

	state := inst.markExited(err)
	close(inst.done)

	l.logger.Info("Process exited", "instanceID", inst.ID, "pid", inst.PID, "exitError", err, "state", state.String())
	if l.metrics != nil {
		l.metrics.InstanceExited(inst.App.Name, state.String())
	}
	if l.auditor != nil {
		if auditErr := l.auditor.LogExit(inst.ID, err); auditErr != nil {
			l.logger.Warn("Failed to record audit event", "instanceID", inst.ID, "error", auditErr)
		}
	}
}

// Instance returns the live instance with the given ID.
func (l *Launcher) Instance(id string) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[id]
	return inst, ok
}

// Instances returns all live instances ordered by start time.
func (l *Launcher) Instances() []*Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	instances := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
	return instances
}

// Stop terminates an instance. It sends SIGINT to the process group, waits
// for the grace period, then sends SIGKILL.
func (l *Launcher) Stop(ctx context.Context, id string) error {
	inst, ok := l.Instance(id)
	if !ok {
		return types.NotFoundError("stop instance", id)
	}
	return l.stopInstance(ctx, inst)
}

func (l *Launcher) stopInstance(ctx context.Context, inst *Instance) error {
	if !inst.markStopping() {
		// Already stopping or exited; wait for the other stop to finish.
		select {
		case <-inst.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.logger.Info("Stopping process", "instanceID", inst.ID, "pid", inst.PID)
	if l.auditor != nil {
		if err := l.auditor.LogStop(inst.ID); err != nil {
			l.logger.Warn("Failed to record audit event", "instanceID", inst.ID, "error", err)
		}
	}

	if err := signalGroup(inst.cmd, syscall.SIGINT); err != nil {
		l.logger.Warn("Failed to send SIGINT to process", "instanceID", inst.ID, "pid", inst.PID, "error", err)
	}

	timer := time.NewTimer(l.gracefulShutdownPeriod)
	defer timer.Stop()

	select {
	case <-inst.done:
		l.logger.Info("Process exited gracefully", "instanceID", inst.ID, "pid", inst.PID)
		return nil
	case <-timer.C:
		l.logger.Warn("Process did not exit gracefully, sending SIGKILL", "instanceID", inst.ID, "pid", inst.PID)
	case <-ctx.Done():
		l.logger.Warn("Stop context cancelled, sending SIGKILL", "instanceID", inst.ID, "pid", inst.PID)
	}

	if err := signalGroup(inst.cmd, syscall.SIGKILL); err != nil {
		select {
		case <-inst.done:
			return nil
		default:
		}
		return fmt.Errorf("failed to kill instance %s (PID %d): %w", inst.ID, inst.PID, err)
	}
	<-inst.done
	return ctx.Err()
}

func (l *Launcher) isClosing() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closing
}

// Shutdown stops every live instance and waits for the supervisors. Launch
// fails with ErrShuttingDown from the moment Shutdown is called.
func (l *Launcher) Shutdown(ctx context.Context) {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.logger.Info("Shutting down all instances...")

	var shutdownWg sync.WaitGroup
	for _, inst := range l.Instances() {
		shutdownWg.Add(1)
		go func(inst *Instance) {
			defer shutdownWg.Done()
			if err := l.stopInstance(ctx, inst); err != nil {
				l.logger.Error("Error stopping instance during shutdown", "instanceID", inst.ID, "error", err)
			}
		}(inst)
	}
	shutdownWg.Wait()
	l.wg.Wait()
	l.logger.Info("All instances stopped.")
}
