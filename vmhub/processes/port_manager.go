package processes

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
)

const (
	// EphemeralPortMin and EphemeralPortMax bound the IANA dynamic port range.
	// EphemeralPortMax is exclusive.
	EphemeralPortMin = 49152
	EphemeralPortMax = 65535

	defaultPortAttempts = 64
)

// PortManager hands out host ports for SSH forwarding.
// A port returned by AllocatePort stays reserved until ReleasePort is called,
// so concurrent launches never receive the same port even when one of them
// works from a registry snapshot taken before the other's record was written.
type PortManager struct {
	mu       sync.Mutex
	minPort  int
	maxPort  int // exclusive
	attempts int
	probe    bool
	reserved map[int]bool

	// Overridable in tests.
	intN      func(n int) int
	available func(port int) bool
}

// PortManagerOption configures a PortManager.
type PortManagerOption func(*PortManager)

// WithAttempts sets how many random candidates are drawn before giving up.
func WithAttempts(n int) PortManagerOption {
	return func(pm *PortManager) {
		if n > 0 {
			pm.attempts = n
		}
	}
}

// WithBindProbe enables or disables checking that a candidate can be bound
// on the host before it is returned.
func WithBindProbe(enabled bool) PortManagerOption {
	return func(pm *PortManager) {
		pm.probe = enabled
	}
}

// NewPortManager creates a PortManager for the half-open range [minPort, maxPort).
func NewPortManager(minPort, maxPort int, opts ...PortManagerOption) (*PortManager, error) {
	if minPort <= 0 || maxPort > 65536 || minPort >= maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	pm := &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		attempts:  defaultPortAttempts,
		probe:     true,
		reserved:  make(map[int]bool),
		intN:      rand.IntN,
		available: canListen,
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm, nil
}

// AllocatePort draws random candidates from the range, skipping ports in
// inUse (the ports of registered instances) and ports reserved by earlier
// calls. It returns the port and the number of candidates tried, or
// ErrPortExhausted.
func (pm *PortManager) AllocatePort(inUse map[int]bool) (int, int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	span := pm.maxPort - pm.minPort
	for attempt := 1; attempt <= pm.attempts; attempt++ {
		port := pm.minPort + pm.intN(span)
		if inUse[port] || pm.reserved[port] {
			continue
		}
		if pm.probe && !pm.available(port) {
			continue
		}
		pm.reserved[port] = true
		return port, attempt, nil
	}
	return 0, pm.attempts, fmt.Errorf("%w in range [%d-%d) after %d attempts", ErrPortExhausted, pm.minPort, pm.maxPort, pm.attempts)
}

// ReleasePort drops the reservation taken by AllocatePort. Callers release a
// port when its launch fails or its instance is deleted.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.reserved, port)
}

// Reserved reports whether port is currently reserved.
func (pm *PortManager) Reserved(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.reserved[port]
}

func canListen(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
