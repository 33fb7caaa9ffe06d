// Package stub is an in-memory compute backend for demos and tests. Launched
// servers are "running" until Finish is called.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// Name is the registry key of this backend.
const Name = "stub"

func init() {
	compute.Register(Name, func(config compute.Config) (compute.Backend, error) {
		return New(Config{
			User:          config.User,
			HomeDirectory: config.HomeDirectory,
			Accounts:      config.Accounts,
			Logger:        config.Logger,
		}), nil
	})
}

// Config holds configuration options for the stub Backend.
type Config struct {
	User          string
	HomeDirectory string
	Accounts      []types.AccountPartition
	// RejectMessage, when set, makes every launch fail with code 1 and this
	// message.
	RejectMessage string
	Now           func() time.Time // Optional, defaults to time.Now
	Logger        *slog.Logger
}

// Backend keeps its jobs in memory.
type Backend struct {
	mu      sync.Mutex
	config  Config
	servers map[string]types.ParaViewServer
	nextID  int
	logger  *slog.Logger
}

// New creates a stub Backend.
func New(config Config) *Backend {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Backend{
		config:  config,
		servers: make(map[string]types.ParaViewServer),
		nextID:  1,
		logger:  compute.LoggerOrDefault(config.Logger).With("component", "StubBackend"),
	}
}

// SetRejectMessage changes whether launches are rejected.
func (b *Backend) SetRejectMessage(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.RejectMessage = msg
}

// GetRunningServers returns the unfinished servers in submission order.
func (b *Backend) GetRunningServers(ctx context.Context) ([]types.ParaViewServer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	servers := make([]types.ParaViewServer, 0, len(b.servers))
	for _, s := range b.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].SubmittedAt.Before(servers[j].SubmittedAt) ||
			(servers[i].SubmittedAt.Equal(servers[j].SubmittedAt) && servers[i].JobID < servers[j].JobID)
	})
	return servers, nil
}

// LaunchParaView records a new running server.
func (b *Backend) LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus {
	if err := compute.ValidateOptions(opts); err != nil {
		return compute.Status(err, "")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.RejectMessage != "" {
		b.logger.Info("Rejecting ParaView launch", "name", opts.Name)
		return types.LaunchStatus{Code: 1, Message: b.config.RejectMessage}
	}

	id := fmt.Sprintf("stub-%d", b.nextID)
	b.nextID++
	b.servers[id] = types.ParaViewServer{
		JobID:       id,
		Name:        opts.Name,
		Account:     opts.Account,
		Partition:   opts.Partition,
		Nodes:       opts.Nodes,
		TimeLimit:   opts.TimeLimit,
		State:       "RUNNING",
		Host:        "localhost",
		Port:        11111,
		Owner:       b.config.User,
		SubmittedAt: b.config.Now(),
	}
	b.logger.Info("ParaView server launched", "jobID", id, "name", opts.Name)
	return compute.Status(nil, "Submitted job "+id)
}

// Finish removes a server from the running set.
func (b *Backend) Finish(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.servers[jobID]
	delete(b.servers, jobID)
	return ok
}

// Cancel removes a server as if it had been cancelled.
func (b *Backend) Cancel(ctx context.Context, jobID string) error {
	if !b.Finish(jobID) {
		return types.NotFoundError("cancel stub job", jobID)
	}
	b.logger.Info("Stub job cancelled", "jobID", jobID)
	return nil
}

// GetUserData returns the configured user.
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
