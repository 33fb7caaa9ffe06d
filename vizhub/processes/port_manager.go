package processes

import (
	"fmt"
	"net"
	"sync"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

const defaultAllocateAttempts = 16

// PortManager hands out OS-assigned TCP ports for subprocesses.
//
// A port is free at the instant AllocatePort returns, but the listener is
// closed before the child binds it, so another process on the host can still
// take it in between. Within this process the manager never hands out a port
// it has already given to a live instance.
type PortManager struct {
	mu        sync.Mutex
	allocated map[int]bool // Ports currently held by instances
	attempts  int
}

// NewPortManager creates a new PortManager instance.
func NewPortManager() *PortManager {
	return &PortManager{
		allocated: make(map[int]bool),
		attempts:  defaultAllocateAttempts,
	}
}

// AllocatePort asks the OS for a free port by binding port 0 and returns the
// number it picked.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i := 0; i < pm.attempts; i++ {
		port, err := openPort()
		if err != nil {
			return 0, types.ResourceError("allocate port", err)
		}
		if pm.allocated[port] {
			// The OS recycled a port we already gave to an instance that has
			// not bound it yet; ask again.
			continue
		}
		pm.allocated[port] = true
		return port, nil
	}
	return 0, types.ResourceError("allocate port", fmt.Errorf("no unused port after %d attempts", pm.attempts))
}

// ReleasePort marks a previously allocated port as available again.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// InUse reports whether port is currently allocated.
func (pm *PortManager) InUse(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.allocated[port]
}

func openPort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
