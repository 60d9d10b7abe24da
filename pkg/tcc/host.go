package tcc

import "go.uber.org/atomic"

// HostState is the pool-event driven view of a node's health.
type HostState int32

const (
	// HostStateUnknown means no pool event has been observed for the host yet.
	HostStateUnknown HostState = iota

	// HostStateUp means the host's pool has at least one live connection.
	HostStateUp

	// HostStateDown means the host's pool emptied or failed critically.
	HostStateDown
)

func (s HostState) String() string {
	switch s {
	case HostStateUp:
		return "up"
	case HostStateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Host is a cluster node candidate handed to the load balancing policy.
// State transitions happen only through pool events.
type Host struct {
	Address Address

	state *atomic.Int32
}

// NewHost creates a Host in the unknown state.
func NewHost(address Address) *Host {
	return &Host{
		Address: address,
		state:   atomic.NewInt32(int32(HostStateUnknown)),
	}
}

// State returns the current pool-event driven state.
func (h *Host) State() HostState {
	return HostState(h.state.Load())
}

// IsUp reports whether the host is marked up.
func (h *Host) IsUp() bool {
	return h.State() == HostStateUp
}

func (h *Host) setState(state HostState) {
	h.state.Store(int32(state))
}
