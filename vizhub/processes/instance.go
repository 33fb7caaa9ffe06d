package processes

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tomyedwab/vizhub/vizhub/credentials"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// ProcessState is the lifecycle state of an instance.
type ProcessState int

const (
	// StateStarting means resources are acquired and the process is being spawned.
	StateStarting ProcessState = iota
	// StateRunning means the process is running and routed.
	StateRunning
	// StateStopping means a stop was requested.
	StateStopping
	// StateStopped means the process exited after a stop or on its own with status 0.
	StateStopped
	// StateFailed means the process exited with an error.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// Instance is one launched trame app. The process, token file, log file and
// port are owned by the instance and released when the process exits.
type Instance struct {
	*credentials.Credentials

	App           types.AppDescriptor
	DisplayName   string
	DataDirectory string
	Port          int
	LogPath       string
	BaseURL       string // Empty until the route is registered
	PID           int
	StartedAt     time.Time
	Logs          *LogBuffer

	cmd     *exec.Cmd
	logFile *os.File
	stdout  *lineWriter
	stderr  *lineWriter

	mu      sync.Mutex
	state   ProcessState
	exitErr error
	done    chan struct{} // Closed after the process has been reaped
}

// InstanceInfo is a point-in-time view of an Instance, safe to serialize.
type InstanceInfo struct {
	ID            string    `json:"id"`
	App           string    `json:"app"`
	AppName       string    `json:"app_display_name"`
	DisplayName   string    `json:"display_name"`
	DataDirectory string    `json:"data_directory"`
	Port          int       `json:"port"`
	BaseURL       string    `json:"base_url"`
	LogPath       string    `json:"log_path"`
	PID           int       `json:"pid"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	ExitError     string    `json:"exit_error,omitempty"`
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := InstanceInfo{
		ID:            i.ID,
		App:           i.App.Name,
		AppName:       i.App.DisplayName,
		DisplayName:   i.DisplayName,
		DataDirectory: i.DataDirectory,
		Port:          i.Port,
		BaseURL:       i.BaseURL,
		LogPath:       i.LogPath,
		PID:           i.PID,
		State:         i.state.String(),
		StartedAt:     i.StartedAt,
	}
	if i.exitErr != nil {
		info.ExitError = i.exitErr.Error()
	}
	return info
}

// State returns the current state.
func (i *Instance) State() ProcessState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// ExitErr returns the error from the process exit, if it has exited.
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

// Done is closed once the process has exited and its resources are released.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// markStopping moves a running instance to StateStopping. It reports false
// if the instance is already stopping or gone.
func (i *Instance) markStopping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning && i.state != StateStarting {
		return false
	}
	i.state = StateStopping
	return true
}

func (i *Instance) markExited(err error) ProcessState {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.exitErr = err
	switch {
	case i.state == StateStopping, err == nil:
		i.state = StateStopped
	default:
		i.state = StateFailed
	}
	return i.state
}
