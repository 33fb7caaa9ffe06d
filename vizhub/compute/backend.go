// Package compute is the facade over the site's compute-job system, used to
// list and launch ParaView servers. Backends register themselves by name,
// the way database/sql drivers do, and are selected by deployment:
//
//	import _ "github.com/tomyedwab/vizhub/vizhub/compute/slurm"
//
//	backend, err := compute.New("slurm", compute.Config{...})
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

// Backend is the capability every compute variant provides.
type Backend interface {
	// GetRunningServers lists the ParaView servers this hub launched that
	// are still queued or running. Calling it twice without a launch in
	// between returns the same set.
	GetRunningServers(ctx context.Context) ([]types.ParaViewServer, error)
	// LaunchParaView submits a new server. Failures are reported in the
	// returned status, never as a panic or error.
	LaunchParaView(ctx context.Context, opts types.ParaViewOptions) types.LaunchStatus
	// GetUserData describes the current user and where they may submit.
	GetUserData(ctx context.Context) (*types.UserData, error)
}

// Canceler is implemented by backends that can stop a server they launched.
// An unknown or foreign job ID is a KindNotFound error.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}

// PortAllocator is satisfied by processes.PortManager.
type PortAllocator interface {
	AllocatePort() (int, error)
	ReleasePort(port int)
}

// SlurmConfig configures the slurm backend.
type SlurmConfig struct {
	JobPrefix          string `yaml:"job_prefix"`
	ScriptTemplatePath string `yaml:"script_template_path"`
	ServerPort         int    `yaml:"server_port"`
	Sbatch             string `yaml:"sbatch"`
	Squeue             string `yaml:"squeue"`
	Sacctmgr           string `yaml:"sacctmgr"`
	Scancel            string `yaml:"scancel"`
}

// LocalConfig configures the local backend.
type LocalConfig struct {
	PVServer string `yaml:"pvserver"`
}

// Config is handed to a backend factory. Backends ignore fields that do not
// concern them.
type Config struct {
	User          string                   // Optional, defaults to the current OS user
	HomeDirectory string                   // Optional, defaults to the user's home
	Accounts      []types.AccountPartition // Used by backends without an accounting system
	StateDir      string                   // Where backends may keep databases
	Ports         PortAllocator
	Slurm         SlurmConfig
	Local         LocalConfig
	Logger        *slog.Logger // Optional, defaults to slog.Default()
}

// Factory builds a backend from a Config.
type Factory func(Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics if called twice
// with the same name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("compute: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("compute: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the backend registered under name.
func New(name string, config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, types.ConfigurationError("select compute backend", name,
			fmt.Errorf("unknown backend (registered: %v)", Backends()))
	}
	return factory(config)
}

// ErrInvalidOptions is wrapped by every validation failure.
var ErrInvalidOptions = errors.New("invalid options")

var (
	validName      = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	validTimeLimit = regexp.MustCompile(`^(\d+):([0-5]\d):([0-5]\d)$`)
)

// ValidateOptions checks the launch dialog values. Names, accounts and
// partitions end up in job scripts, so they are restricted to a safe
// character set.
func ValidateOptions(opts types.ParaViewOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOptions)
	}
	if !validName.MatchString(opts.Name) {
		return fmt.Errorf("%w: name %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidOptions, opts.Name)
	}
	if opts.Account != "" && !validName.MatchString(opts.Account) {
		return fmt.Errorf("%w: invalid account %q", ErrInvalidOptions, opts.Account)
	}
	if opts.Partition != "" && !validName.MatchString(opts.Partition) {
		return fmt.Errorf("%w: invalid partition %q", ErrInvalidOptions, opts.Partition)
	}
	if opts.Nodes < 1 {
		return fmt.Errorf("%w: nodes must be at least 1, got %d", ErrInvalidOptions, opts.Nodes)
	}
	if _, err := ParseTimeLimit(opts.TimeLimit); err != nil {
		return err
	}
	return nil
}

// ParseTimeLimit parses an HH:MM:SS wall-clock limit.
func ParseTimeLimit(value string) (time.Duration, error) {
	m := validTimeLimit.FindStringSubmatch(value)
	if m == nil {
		return 0, fmt.Errorf("%w: time limit %q must be HH:MM:SS", ErrInvalidOptions, value)
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if d == 0 {
		return 0, fmt.Errorf("%w: time limit must be positive", ErrInvalidOptions)
	}
	return d, nil
}

// ExitStatusError carries the exit code of a failed scheduler command.
type ExitStatusError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitStatusError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// Status converts an error into a LaunchStatus. A nil error becomes a
// success with the given message.
func Status(err error, okMessage string) types.LaunchStatus {
	if err == nil {
		return types.LaunchStatus{Code: 0, Message: okMessage}
	}
	code := 1
	var exitErr *ExitStatusError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		code = exitErr.Code
	}
	msg := err.Error()
	if msg == "" {
		msg = "launch failed"
	}
	return types.LaunchStatus{Code: code, Message: msg}
}

// CurrentUser fills in the name and home directory from config, falling
// back to the OS user.
func CurrentUser(config Config) (*types.UserData, error) {
	data := &types.UserData{
		Name:          config.User,
		HomeDirectory: config.HomeDirectory,
		Accounts:      append([]types.AccountPartition{}, config.Accounts...),
	}
	if data.Name == "" || data.HomeDirectory == "" {
		u, err := user.Current()
		if err != nil {
			return nil, types.BackendError("look up current user", err)
		}
		if data.Name == "" {
			data.Name = u.Username
		}
		if data.HomeDirectory == "" {
			data.HomeDirectory = u.HomeDir
		}
	}
	if data.HomeDirectory == "" {
		data.HomeDirectory, _ = os.UserHomeDir()
	}
	return data, nil
}

// LoggerOrDefault returns l, or slog.Default() when l is nil.
func LoggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
