package infra

import "context"

// HostState is the lifecycle state of a compute host as reported by the
// infrastructure layer.
type HostState string

// Host lifecycle states. HostNotFound covers hosts the infrastructure
// layer no longer knows about at all.
const (
	HostPending      HostState = "pending"
	HostRunning      HostState = "running"
	HostShuttingDown HostState = "shutting-down"
	HostTerminated   HostState = "terminated"
	HostStopping     HostState = "stopping"
	HostStopped      HostState = "stopped"
	HostNotFound     HostState = "not-found"
)

// Dead reports whether a host in this state can no longer be executing
// a training process.
func (s HostState) Dead() bool {
	switch s {
	case HostTerminated, HostShuttingDown, HostStopped, HostNotFound:
		return true
	default:
		return false
	}
}

// Liveness answers whether a compute host is still alive. It is the
// fallback source of truth for runs whose tracker record went silent.
type Liveness interface {
	DescribeHost(ctx context.Context, hostID string) (HostState, error)
}
