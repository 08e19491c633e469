package processes

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const defaultProbeTimeout = 250 * time.Millisecond

// PortGuard tracks ws ports claimed by starts that have not registered yet,
// and probes the host for listeners the manager does not know about.
type PortGuard struct {
	mu       sync.Mutex
	reserved map[int]bool
	timeout  time.Duration
}

// NewPortGuard creates a guard whose live probe gives up after timeout.
func NewPortGuard(timeout time.Duration) *PortGuard {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &PortGuard{
		reserved: make(map[int]bool),
		timeout:  timeout,
	}
}

// Reserve marks port as claimed. It returns false if the port was already
// reserved.
func (g *PortGuard) Reserve(port int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved[port] {
		return false
	}
	g.reserved[port] = true
	return true
}

// Release marks a previously reserved port as available again.
func (g *PortGuard) Release(port int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reserved, port)
}

// IsReserved reports whether port is currently reserved.
func (g *PortGuard) IsReserved(port int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved[port]
}

// Probe fails with ErrPortInUse if something accepts a TCP connection on
// 127.0.0.1:port within the probe timeout.
func (g *PortGuard) Probe(port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, g.timeout)
	if err != nil {
		return nil
	}
	conn.Close()
	return fmt.Errorf("%w: %d is bound by another process", ErrPortInUse, port)
}
