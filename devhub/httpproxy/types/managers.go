package types

import (
	"context"
	"net/http"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/backends"
	"github.com/tomyedwab/devhub/devhub/esmservers"
)

// BackendManager is what the proxy needs from backends.Manager.
type BackendManager interface {
	EnsureRunning(ctx context.Context, name, query, partition string) (*backends.ProxiedBackend, error)
	Terminate(name, version, partition string) error
	List() []*backends.ProxiedBackend
	Pending() map[backends.Key]backends.State
	DefaultPartition() string
}

// EsmServerManager is what the proxy needs from esmservers.Manager.
type EsmServerManager interface {
	Register(ctx context.Context, pkg, version string, port int, opts esmservers.RegisterOptions) (*esmservers.ProxiedEsmServer, error)
	Terminate(ctx context.Context, uid string) error
	List() []*esmservers.ProxiedEsmServer
	Dispatch(w http.ResponseWriter, r *http.Request, pkg, version, rest string) bool
}

// OutputStore serves captured process output and lifecycle events.
type OutputStore interface {
	GetOutput(traceID string, limit int) ([]audit.OutputLine, error)
	GetEventsByTraceID(traceID string) ([]audit.Event, error)
	GetRecentEvents(limit int) ([]audit.Event, error)
	GetEventsByType(eventType audit.EventType, limit int) ([]audit.Event, error)
}
