// Package local runs ParaView servers as processes on the hub's own machine.
// Job records live in SQLite so servers started before a restart are still
// listed afterwards.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// Name is the registry key of this backend.
const Name = "local"

// Job states stored in the database.
const (
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
	StateTimeout   = "TIMEOUT"
	// StateFinished is used for jobs from an earlier run whose process is
	// gone; how they ended is unknown.
	StateFinished = "FINISHED"
)

// DatabaseFile is the name of the job database inside the state directory.
const DatabaseFile = "local-jobs.db"

func init() {
	compute.Register(Name, func(config compute.Config) (compute.Backend, error) {
		return New(Config{
			LocalConfig:   config.Local,
			StateDir:      config.StateDir,
			Ports:         config.Ports,
			User:          config.User,
			HomeDirectory: config.HomeDirectory,
			Accounts:      config.Accounts,
			Logger:        config.Logger,
		})
	})
}

// Config holds configuration options for the local Backend.
type Config struct {
	compute.LocalConfig
	DB            *sqlx.DB // Optional, opened in StateDir when nil
	StateDir      string
	Ports         compute.PortAllocator
	User          string
	HomeDirectory string
	Accounts      []types.AccountPartition
	Logger        *slog.Logger
}

// Job is a row of the paraview_jobs table.
type Job struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Account     string `db:"account"`
	Partition   string `db:"partition"`
	Nodes       int    `db:"nodes"`
	TimeLimit   string `db:"time_limit"`
	PID         int    `db:"pid"`
	Port        int    `db:"port"`
	State       string `db:"state"`
	Owner       string `db:"owner"`
	SubmittedAt int64  `db:"submitted_at"`
}

func (j Job) server() types.ParaViewServer {
	return types.ParaViewServer{
		JobID:       j.ID,
		Name:        j.Name,
		Account:     j.Account,
		Partition:   j.Partition,
		Nodes:       j.Nodes,
		TimeLimit:   j.TimeLimit,
		State:       j.State,
		Host:        "localhost",
		Port:        j.Port,
		Owner:       j.Owner,
		SubmittedAt: time.UnixMilli(j.SubmittedAt),
	}
}

// process is a server started by this Backend.
type process struct {
	cmd       *exec.Cmd
	port      int
	timer     *time.Timer
	cancelled bool
	timedOut  bool
	done      chan struct{}
}

// Backend launches pvserver processes locally.
type Backend struct {
	config Config
	db     *sqlx.DB
	ownsDB bool
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*process // Keyed by job ID
}

// New opens the job database and creates the table if needed.
func New(config Config) (*Backend, error) {
	if config.PVServer == "" {
		config.PVServer = "pvserver"
	}
	if config.Ports == nil {
		return nil, types.ConfigurationError("create local backend", Name, errors.New("port allocator is required"))
	}
	b := &Backend{
		config: config,
		db:     config.DB,
		logger: compute.LoggerOrDefault(config.Logger).With("component", "LocalBackend"),
		procs:  make(map[string]*process),
	}
	if b.db == nil {
		if config.StateDir == "" {
			return nil, types.ConfigurationError("create local backend", Name, errors.New("state directory is required"))
		}
		if err := os.MkdirAll(config.StateDir, 0o700); err != nil {
			return nil, types.ConfigurationError("create state directory", config.StateDir, err)
		}
		db, err := sqlx.Connect("sqlite3", filepath.Join(config.StateDir, DatabaseFile))
		if err != nil {
			return nil, types.ConfigurationError("open job database", config.StateDir, err)
		}
		b.db = db
		b.ownsDB = true
	}
	if err := DBInit(b.db); err != nil {
		b.Close()
		return nil, fmt.Errorf("init job database: %w", err)
	}
	return b, nil
}

// DBInit initializes the paraview_jobs table.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS paraview_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		account TEXT NOT NULL,
		"partition" TEXT NOT NULL,
		nodes INTEGER NOT NULL,
		time_limit TEXT NOT NULL,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL,
		state TEXT NOT NULL,
		owner TEXT NOT NULL,
		submitted_at INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_paraview_jobs_state ON paraview_jobs(state)`)
	return err
}

// Close releases the database if the Backend opened it. Running servers are
// left running.
func (b *Backend) Close() error {
	b.mu.Lock()
	for _, p := range b.procs {
		p.timer.Stop()
	}
	b.mu.Unlock()
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

func (b *Backend) setState(id, state string) {
	if _, err := b.db.Exec("UPDATE paraview_jobs SET state = $1 WHERE id = $2", state, id); err != nil {
		b.logger.Error("Failed to update job state", "jobID", id, "state", state, "error", err)
	}
}

// GetRunningServers lists jobs still marked running. Jobs from an earlier
// run whose process is gone are marked finished and left out.
func (b *Backend) GetRunningServers(ctx context.Context) ([]types.ParaViewServer, error) {
	var jobs []Job
	err := b.db.SelectContext(ctx, &jobs,
		"SELECT * FROM paraview_jobs WHERE state = $1 ORDER BY submitted_at, id", StateRunning)
	if err != nil {
		return nil, types.BackendError("list local jobs", err)
	}

	servers := make([]types.ParaViewServer, 0, len(jobs))
	for _, job := range jobs {
		b.mu.Lock()
		_, ours := b.procs[job.ID]
		b.mu.Unlock()
		if !ours && !processAlive(job.PID) {
			b.logger.Info("Job process is gone, marking finished", "jobID", job.ID, "pid", job.PID)
			b.setState(job.ID, StateFinished)
			continue
		}
		servers = append(servers, job.server())
	}
	return servers, nil
}

// LaunchParaView starts pvserver on a free port and records the job. The
// process is killed when the time limit expires.
func (b *Backend) LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus {
	if err := compute.ValidateOptions(opts); err != nil {
		return compute.Status(err, "")
	}
	if opts.Nodes != 1 {
		return compute.Status(fmt.Errorf("%w: the local backend runs on a single node", compute.ErrInvalidOptions), "")
	}
	limit, _ := compute.ParseTimeLimit(opts.TimeLimit)

	userData, err := b.GetUserData(ctx)
	if err != nil {
		return compute.Status(err, "")
	}

	port, err := b.config.Ports.AllocatePort()
	if err != nil {
		return compute.Status(err, "")
	}

	cmd := exec.Command(b.config.PVServer, "--server-port="+strconv.Itoa(port))
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		b.config.Ports.ReleasePort(port)
		return compute.Status(types.SpawnError(b.config.PVServer, err), "")
	}

	job := Job{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		Account:     opts.Account,
		Partition:   opts.Partition,
		Nodes:       opts.Nodes,
		TimeLimit:   opts.TimeLimit,
		PID:         cmd.Process.Pid,
		Port:        port,
		State:       StateRunning,
		Owner:       userData.Name,
		SubmittedAt: time.Now().UnixMilli(),
	}
	_, err = b.db.NamedExecContext(ctx, `
		INSERT INTO paraview_jobs (
			id, name, account, "partition", nodes, time_limit,
			pid, port, state, owner, submitted_at
		) VALUES (
			:id, :name, :account, :partition, :nodes, :time_limit,
			:pid, :port, :state, :owner, :submitted_at
		)`, job)
	if err != nil {
		killGroup(cmd)
		cmd.Wait()
		b.config.Ports.ReleasePort(port)
		return compute.Status(types.BackendError("record local job", err), "")
	}

	p := &process{cmd: cmd, port: port, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[job.ID] = p
	p.timer = time.AfterFunc(limit, func() { b.expire(job.ID) })
	b.mu.Unlock()
	go b.wait(job.ID, p)

	b.logger.Info("ParaView server started", "jobID", job.ID, "pid", job.PID, "port", port, "timeLimit", opts.TimeLimit)
	return compute.Status(nil, "Started ParaView server "+job.ID+" on port "+strconv.Itoa(port))
}

func (b *Backend) wait(id string, p *process) {
	err := p.cmd.Wait()
	p.timer.Stop()

	b.mu.Lock()
	state := StateCompleted
	switch {
	case p.timedOut:
		state = StateTimeout
	case p.cancelled:
		state = StateCancelled
	case err != nil:
		state = StateFailed
	}
	delete(b.procs, id)
	b.mu.Unlock()

	b.setState(id, state)
	b.config.Ports.ReleasePort(p.port)
	close(p.done)
	b.logger.Info("ParaView server exited", "jobID", id, "state", state, "error", err)
}

func (b *Backend) expire(id string) {
	b.mu.Lock()
	p, ok := b.procs[id]
	if ok {
		p.timedOut = true
	}
	b.mu.Unlock()
	if ok {
		b.logger.Info("ParaView server reached its time limit", "jobID", id)
		killGroup(p.cmd)
	}
}

// Cancel kills a server started by this Backend and waits for it to exit.
func (b *Backend) Cancel(ctx context.Context, jobID string) error {
	b.mu.Lock()
	p, ok := b.procs[jobID]
	if ok {
		p.cancelled = true
	}
	b.mu.Unlock()
	if !ok {
		return types.NotFoundError("cancel local job", jobID)
	}

	killGroup(p.cmd)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetUserData returns the OS user and the configured accounts.
func (b *Backend) GetUserData(ctx context.Context) (*types.UserData, error) {
	return compute.CurrentUser(compute.Config{
		User:          b.config.User,
		HomeDirectory: b.config.HomeDirectory,
		Accounts:      b.config.Accounts,
	})
}

var (
	_ compute.Backend  = (*Backend)(nil)
	_ compute.Canceler = (*Backend)(nil)
)
