package processes

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortAvailable is returned when every port in the managed range is
// either allocated or bound by another process.
var ErrNoPortAvailable = errors.New("no port available")

// PortManager handles the allocation and deallocation of TCP ports for subprocesses.
//
// A port reported free here can still be taken by another process before the
// launched backend binds it. That window is accepted; the readiness probe
// surfaces the resulting failure.
type PortManager struct {
	mu        sync.Mutex
	minPort   int          // inclusive
	maxPort   int          // exclusive
	allocated map[int]bool // Tracks allocated ports
}

// NewPortManager creates a new PortManager instance managing [minPort, maxPort).
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort > 65536 || minPort >= maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
	}, nil
}

// Range returns the managed range as [start, end).
func (pm *PortManager) Range() (int, int) {
	return pm.minPort, pm.maxPort
}

// AllocatePort scans the range from its start and allocates the first port
// that is neither already allocated nor bound on this host.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.minPort; port < pm.maxPort; port++ {
		if pm.allocated[port] {
			continue
		}

		// Check if the port is actually available by trying to listen on it
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("%w in range [%d-%d)", ErrNoPortAvailable, pm.minPort, pm.maxPort)
}

// IsAllocated reports whether port is currently handed out.
func (pm *PortManager) IsAllocated(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.allocated[port]
}

// ReleasePort marks a previously allocated port as available again.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port < pm.minPort || port >= pm.maxPort {
		return
	}

	delete(pm.allocated, port)
}
