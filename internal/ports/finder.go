// Package ports resolves concrete TCP ports for a node's network roles.
package ports

import (
	"fmt"
	"net"

	sierrors "github.com/devrev/silohost/internal/errors"
)

// MaxPort is the highest valid TCP port number
const MaxPort = 65535

// PortRange is an inclusive range of candidate ports for one network role
type PortRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// IsZero reports whether the range was left unconfigured
func (r PortRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// Validate checks the range bounds
func (r PortRange) Validate() error {
	if r.Start < 0 || r.End < 0 || r.Start > MaxPort || r.End > MaxPort {
		return sierrors.Configuration(fmt.Sprintf("port range [%d, %d] is outside [0, %d]", r.Start, r.End, MaxPort), nil)
	}
	if r.Start > r.End {
		return sierrors.Configuration(fmt.Sprintf("port range start %d is greater than end %d", r.Start, r.End), nil)
	}
	return nil
}

// String renders the range for logs
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// PortFinder finds a currently bindable port within a range
type PortFinder interface {
	FindAvailablePort(r PortRange) (int, error)
}

// NetworkPortFinder probes the local network stack by binding a transient
// listener on each candidate port. The port is released before it is
// returned, so another process can take it before the caller binds it again.
type NetworkPortFinder struct {
	// Host is the interface to probe; empty means all interfaces
	Host string
}

// NewNetworkPortFinder creates a finder that probes all interfaces
func NewNetworkPortFinder() *NetworkPortFinder {
	return &NetworkPortFinder{}
}

// FindAvailablePort returns the lowest port in r that could be bound
func (f *NetworkPortFinder) FindAvailablePort(r PortRange) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}

	for port := r.Start; port <= r.End; port++ {
		// port 0 asks the kernel for any port, which is not a probe of a candidate
		if port == 0 {
			continue
		}
		if f.probe(port) {
			return port, nil
		}
	}

	return 0, sierrors.NoAvailablePort(r.Start, r.End)
}

func (f *NetworkPortFinder) probe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(f.Host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// StaticPortFinder returns fixed ports keyed by range; tests and tooling use it
// where the choice of port is already known.
type StaticPortFinder map[PortRange]int

// FindAvailablePort returns the port registered for r
func (s StaticPortFinder) FindAvailablePort(r PortRange) (int, error) {
	if port, ok := s[r]; ok {
		return port, nil
	}
	return 0, sierrors.NoAvailablePort(r.Start, r.End)
}
