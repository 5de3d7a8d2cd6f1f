package esmservers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/metrics"
	"github.com/tomyedwab/devhub/devhub/packages"
	"github.com/tomyedwab/devhub/devhub/processes"
)

const defaultPollInterval = 500 * time.Millisecond

var (
	// ErrListenerNotFound is returned when no process bound the port in time.
	ErrListenerNotFound = errors.New("no listener found for dev server port")
	// ErrServerNotFound is returned for an unknown uid.
	ErrServerNotFound = errors.New("dev server not found")
)

// ProxiedEsmServer is a live front-end dev server started outside the
// manager. SpawnedProcess is the process the caller launched, if any;
// ListenerPID is the process actually bound to Port. The two differ when a
// supervising shell forks the real server. Termination targets ListenerPID.
type ProxiedEsmServer struct {
	UID            string
	Package        string
	Version        string
	Port           int
	SpawnedProcess *processes.Process
	ListenerPID    int32
	Rule           DispatchRule
	RegisteredAt   time.Time
}

// Info is the JSON view of a registered dev server.
type Info struct {
	UID          string    `json:"uid"`
	Package      string    `json:"package"`
	Version      string    `json:"version"`
	Port         int       `json:"port"`
	SpawnedPID   int       `json:"spawnedPid,omitempty"`
	ListenerPID  int32     `json:"listenerPid,omitempty"`
	Rule         string    `json:"rule"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (s *ProxiedEsmServer) Info() Info {
	info := Info{
		UID:          s.UID,
		Package:      s.Package,
		Version:      s.Version,
		Port:         s.Port,
		ListenerPID:  s.ListenerPID,
		RegisteredAt: s.RegisteredAt,
	}
	if s.SpawnedProcess != nil {
		info.SpawnedPID = s.SpawnedProcess.PID()
	}
	if s.Rule != nil {
		info.Rule = s.Rule.Kind()
	}
	return info
}

// RegisterOptions are the optional parts of a registration.
type RegisterOptions struct {
	// WaitTimeout > 0 blocks until a listener is bound to the port.
	WaitTimeout time.Duration
	Process     *processes.Process
	Rule        DispatchRule // Defaults to ForwardRule{}
}

// Config holds configuration options for the Manager.
type Config struct {
	Lookup       processes.ListenerLookup // Optional, defaults to SystemListenerLookup
	Forwarder    Forwarder
	PollInterval time.Duration          // Optional, defaults to 500ms
	Recorder     packages.EventRecorder // Optional
	Metrics      metrics.Collector      // Optional
	Logger       *slog.Logger           // Optional
}

// Manager is the registry of live dev servers keyed by (package, version).
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*ProxiedEsmServer // Keyed by UID

	lookup       processes.ListenerLookup
	forwarder    Forwarder
	pollInterval time.Duration
	recorder     packages.EventRecorder
	metrics      metrics.Collector
	logger       *slog.Logger
}

func NewManager(config Config) *Manager {
	lookup := config.Lookup
	if lookup == nil {
		lookup = processes.SystemListenerLookup{}
	}
	interval := config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:      make(map[string]*ProxiedEsmServer),
		lookup:       lookup,
		forwarder:    config.Forwarder,
		pollInterval: interval,
		recorder:     config.Recorder,
		metrics:      collector,
		logger:       logger.With("component", "EsmServerManager"),
	}
}

// Register records a dev server for (pkg, version) on port, replacing any
// previous registration of the same key.
func (m *Manager) Register(ctx context.Context, pkg, version string, port int, opts RegisterOptions) (*ProxiedEsmServer, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	var listener int32
	if opts.WaitTimeout > 0 {
		pid, err := m.waitForListener(ctx, port, opts.WaitTimeout)
		if err != nil {
			return nil, err
		}
		listener = pid
	} else if pid, err := m.lookup.ListenerPID(ctx, port); err == nil {
		listener = pid
	}

	rule := opts.Rule
	if rule == nil {
		rule = ForwardRule{}
	}
	server := &ProxiedEsmServer{
		UID:            uuid.New().String(),
		Package:        pkg,
		Version:        version,
		Port:           port,
		SpawnedProcess: opts.Process,
		ListenerPID:    listener,
		Rule:           rule,
		RegisteredAt:   time.Now(),
	}

	m.mu.Lock()
	for uid, existing := range m.servers {
		if existing.Package == pkg && existing.Version == version {
			delete(m.servers, uid)
			m.logger.Info("Replacing dev server registration", "package", pkg, "version", version, "oldUID", uid)
		}
	}
	m.servers[server.UID] = server
	count := len(m.servers)
	m.mu.Unlock()

	m.metrics.EsmServersRegistered(count)
	m.record(audit.Event{TraceID: server.UID, EventType: audit.EventEsmRegistered, Name: pkg, Version: version, Port: port, Detail: rule.Kind()})
	m.logger.Info("Dev server registered", "uid", server.UID, "package", pkg, "version", version, "port", port, "listenerPID", listener)
	return server, nil
}

func (m *Manager) waitForListener(ctx context.Context, port int, timeout time.Duration) (int32, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if pid, err := m.lookup.ListenerPID(ctx, port); err == nil && pid > 0 {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("%w: port %d after %s", ErrListenerNotFound, port, timeout)
		case <-ticker.C:
		}
	}
}

// Get returns the dev server registered for (pkg, version), or nil.
func (m *Manager) Get(pkg, version string) *ProxiedEsmServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if s.Package == pkg && s.Version == version {
			return s
		}
	}
	return nil
}

func (m *Manager) GetByUID(uid string) *ProxiedEsmServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[uid]
}

// List returns the registered dev servers ordered by package and version.
func (m *Manager) List() []*ProxiedEsmServer {
	m.mu.RLock()
	list := make([]*ProxiedEsmServer, 0, len(m.servers))
	for _, s := range m.servers {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Package != list[j].Package {
			return list[i].Package < list[j].Package
		}
		return list[i].Version < list[j].Version
	})
	return list
}

// Terminate signals whatever process is listening on the server's port and
// removes the entry whether or not that succeeded. The spawned process, when
// known and different, is terminated as well.
func (m *Manager) Terminate(ctx context.Context, uid string) error {
	m.mu.Lock()
	server, ok := m.servers[uid]
	delete(m.servers, uid)
	count := len(m.servers)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, uid)
	}
	m.metrics.EsmServersRegistered(count)

	pid, lookupErr := m.lookup.ListenerPID(ctx, server.Port)
	if lookupErr != nil {
		pid = server.ListenerPID
	}

	var errs []error
	if pid > 0 {
		if err := m.lookup.Terminate(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("terminate listener %d: %w", pid, err))
		}
	} else if lookupErr != nil {
		errs = append(errs, lookupErr)
	}
	if server.SpawnedProcess != nil && int32(server.SpawnedProcess.PID()) != pid {
		if err := server.SpawnedProcess.Terminate(time.Second); err != nil {
			errs = append(errs, fmt.Errorf("terminate spawned process %d: %w", server.SpawnedProcess.PID(), err))
		}
	}

	err := errors.Join(errs...)
	detail := "terminated"
	if err != nil {
		detail = err.Error()
		m.logger.Warn("Dev server termination incomplete", "uid", uid, "port", server.Port, "error", err)
	}
	m.record(audit.Event{TraceID: uid, EventType: audit.EventEsmTerminated, Name: server.Package, Version: server.Version, Port: server.Port, Detail: detail})
	m.logger.Info("Dev server removed", "uid", uid, "package", server.Package, "version", server.Version, "listenerPID", pid)
	return err
}

// Shutdown terminates every registered dev server.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.List() {
		m.Terminate(ctx, s.UID)
	}
}

// Dispatch answers r with the rule of the server registered for (pkg,
// version). It returns false when nothing was written.
func (m *Manager) Dispatch(w http.ResponseWriter, r *http.Request, pkg, version, rest string) bool {
	server := m.Get(pkg, version)
	if server == nil {
		return false
	}
	m.mu.RLock()
	forwarder := m.forwarder
	m.mu.RUnlock()
	return server.Rule.Dispatch(w, r, DispatchRequest{Server: server, Rest: rest, Forwarder: forwarder})
}

// SetForwarder installs the forwarder used by ForwardRule.
func (m *Manager) SetForwarder(f Forwarder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarder = f
}

func (m *Manager) record(event audit.Event) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordEvent(event); err != nil {
		m.logger.Warn("Failed to record dev server event", "event", event.EventType, "error", err)
	}
}
