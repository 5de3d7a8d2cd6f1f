package backends

import (
	"fmt"
	"time"

	"github.com/tomyedwab/devhub/devhub/processes"
)

// Key identifies a backend instance. Version is always a resolved version.
type Key struct {
	Name      string
	Version   string
	Partition string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s#%s", k.Name, k.Version, k.Partition)
}

// State is a step of the install/launch sequence for one key.
type State int

const (
	StateAbsent State = iota
	StateResolving
	StateInstalling
	StatePortAllocating
	StateLaunching
	StateProbingReady
	StateRegistered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateResolving:
		return "Resolving"
	case StateInstalling:
		return "Installing"
	case StatePortAllocating:
		return "PortAllocating"
	case StateLaunching:
		return "Launching"
	case StateProbingReady:
		return "ProbingReady"
	case StateRegistered:
		return "Registered"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProxiedBackend is one registered, ready backend. Entries are replaced as a
// whole, never mutated after registration.
type ProxiedBackend struct {
	Name      string
	Version   string
	Partition string
	Port      int

	// Process is nil for adopted backends the manager did not start.
	Process *processes.Process

	InstallOutputs       []string
	ServerOutputsTraceID string
	RegisteredAt         time.Time
}

func (b *ProxiedBackend) Key() Key {
	return Key{Name: b.Name, Version: b.Version, Partition: b.Partition}
}

// Info is the JSON view of a registered backend.
type Info struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Partition    string    `json:"partition"`
	Port         int       `json:"port"`
	PID          int       `json:"pid,omitempty"`
	Exited       bool      `json:"exited"`
	TraceID      string    `json:"traceId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (b *ProxiedBackend) Info() Info {
	info := Info{
		Name:         b.Name,
		Version:      b.Version,
		Partition:    b.Partition,
		Port:         b.Port,
		TraceID:      b.ServerOutputsTraceID,
		RegisteredAt: b.RegisteredAt,
	}
	if b.Process != nil {
		info.PID = b.Process.PID()
		_, info.Exited = b.Process.Exited()
	}
	return info
}
