package processes

import (
	"context"
	"errors"
	"fmt"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrNoListener is returned when no process is listening on a port.
var ErrNoListener = errors.New("no process listening on port")

// ListenerLookup resolves the OS process actually bound to a TCP port, which
// can differ from the process that was spawned when shells fork.
type ListenerLookup interface {
	ListenerPID(ctx context.Context, port int) (int32, error)
	Terminate(ctx context.Context, pid int32) error
}

// SystemListenerLookup reads the host socket table.
type SystemListenerLookup struct{}

func (SystemListenerLookup) ListenerPID(ctx context.Context, port int) (int32, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("failed to list tcp sockets: %w", err)
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) && conn.Pid > 0 {
			return conn.Pid, nil
		}
	}
	return 0, fmt.Errorf("%w %d", ErrNoListener, port)
}

func (SystemListenerLookup) Terminate(ctx context.Context, pid int32) error {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return proc.TerminateWithContext(ctx)
}
