package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/metrics"
	"github.com/tomyedwab/devhub/devhub/packages"
	"github.com/tomyedwab/devhub/devhub/processes"
)

const (
	defaultReadyTimeout           = 60 * time.Second
	defaultGracefulShutdownPeriod = 5 * time.Second
	defaultPartition              = "default"
)

// VersionResolver picks the concrete version for a range query.
type VersionResolver interface {
	Resolve(ctx context.Context, name, query string) (*packages.PackageVersion, error)
}

// ArtifactPreparer turns a published artifact into a package directory.
type ArtifactPreparer interface {
	PrepareInstallDir(pv *packages.PackageVersion) (string, error)
}

// PackageInstaller runs a package's install step.
type PackageInstaller interface {
	Install(ctx context.Context, dir, name, version string) ([]string, error)
}

// ReadinessWaiter blocks until a launched backend is ready.
type ReadinessWaiter interface {
	WaitReady(ctx context.Context, port int, proc *processes.Process) error
}

// Config holds configuration options for the Manager.
type Config struct {
	Resolver    VersionResolver
	Artifacts   ArtifactPreparer
	Installer   PackageInstaller
	PortManager *processes.PortManager
	Launcher    processes.LaunchStrategy
	Prober      ReadinessWaiter        // Optional, defaults to a 1s ReadinessProber
	Recorder    packages.EventRecorder // Optional
	Metrics     metrics.Collector      // Optional, defaults to a no-op collector
	Logger      *slog.Logger           // Optional, defaults to slog.Default()

	ServerPort             int           // Port of the hosting server, passed to every backend
	DefaultPartition       string        // Optional, defaults to "default"
	ReadyTimeout           time.Duration // Optional, defaults to 60s
	GracefulShutdownPeriod time.Duration // Optional, defaults to 5s
}

// Manager provisions backends on demand and keeps the registry of running ones.
type Manager struct {
	resolver    VersionResolver
	artifacts   ArtifactPreparer
	installer   PackageInstaller
	portManager *processes.PortManager
	launcher    processes.LaunchStrategy
	prober      ReadinessWaiter
	recorder    packages.EventRecorder
	metrics     metrics.Collector
	logger      *slog.Logger

	serverPort             int
	defaultPartition       string
	readyTimeout           time.Duration
	gracefulShutdownPeriod time.Duration

	registry *Registry
	inflight singleflight.Group
	// installs is keyed by name@version: partitions share one package dir.
	installs singleflight.Group

	pendingMu sync.Mutex
	pending   map[Key]State

	reaperMu sync.Mutex
	reaper   *cron.Cron
}

// NewManager creates a new Manager instance.
func NewManager(config Config) (*Manager, error) {
	if config.Resolver == nil {
		return nil, errors.New("VersionResolver is required")
	}
	if config.Artifacts == nil {
		return nil, errors.New("ArtifactPreparer is required")
	}
	if config.Installer == nil {
		return nil, errors.New("PackageInstaller is required")
	}
	if config.PortManager == nil {
		return nil, errors.New("PortManager is required")
	}
	if config.Launcher == nil {
		return nil, errors.New("LaunchStrategy is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prober := config.Prober
	if prober == nil {
		prober = processes.NewReadinessProber(processes.DefaultProbeInterval, processes.DefaultProbeRequestTimeout, logger)
	}
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	partition := config.DefaultPartition
	if partition == "" {
		partition = defaultPartition
	}
	readyTimeout := config.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = defaultReadyTimeout
	}
	grace := config.GracefulShutdownPeriod
	if grace == 0 {
		grace = defaultGracefulShutdownPeriod
	}

	return &Manager{
		resolver:               config.Resolver,
		artifacts:              config.Artifacts,
		installer:              config.Installer,
		portManager:            config.PortManager,
		launcher:               config.Launcher,
		prober:                 prober,
		recorder:               config.Recorder,
		metrics:                collector,
		logger:                 logger.With("component", "BackendManager"),
		serverPort:             config.ServerPort,
		defaultPartition:       partition,
		readyTimeout:           readyTimeout,
		gracefulShutdownPeriod: grace,
		registry:               NewRegistry(),
		pending:                make(map[Key]State),
	}, nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) DefaultPartition() string {
	return m.defaultPartition
}

// Pending returns the keys with an install/launch sequence in progress.
func (m *Manager) Pending() map[Key]State {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make(map[Key]State, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}

// EnsureRunning returns the backend for (name, query, partition), resolving,
// installing, launching and probing it first when it is not registered yet.
// Concurrent callers for the same resolved key share one attempt. The attempt
// itself is not bound to ctx: a caller that gives up does not abort the
// launch other callers may be waiting for.
func (m *Manager) EnsureRunning(ctx context.Context, name, query, partition string) (*ProxiedBackend, error) {
	if partition == "" {
		partition = m.defaultPartition
	}

	// A query that is already an exact registered version short-circuits.
	if b := m.registry.Get(name, query, partition); b != nil {
		return b, nil
	}

	resolving := Key{Name: name, Version: query, Partition: partition}
	m.markResolving(resolving)
	pv, err := m.resolver.Resolve(ctx, name, query)
	m.clearResolving(resolving)
	if err != nil {
		if errors.Is(err, packages.ErrNoMatchingVersion) {
			m.metrics.BackendLaunch(name, metrics.ResultNoVersion)
			return nil, &BackendError{
				Code:    CodeNoMatchingVersion,
				Name:    name,
				Version: query,
				Message: fmt.Sprintf("no version of %s matches %q", name, query),
				Cause:   err,
			}
		}
		return nil, err
	}

	if b := m.registry.Get(name, pv.Version, partition); b != nil {
		return b, nil
	}

	key := Key{Name: name, Version: pv.Version, Partition: partition}
	attemptCtx := context.WithoutCancel(ctx)
	ch := m.inflight.DoChan(key.String(), func() (interface{}, error) {
		if b := m.registry.Get(key.Name, key.Version, key.Partition); b != nil {
			return b, nil
		}
		return m.start(attemptCtx, key, pv)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProxiedBackend), nil
	}
}

func (m *Manager) setState(key Key, state State) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if state == StateRegistered || state == StateFailed {
		delete(m.pending, key)
	} else {
		m.pending[key] = state
	}
	m.logger.Debug("Backend state", "key", key.String(), "state", state.String())
}

type installResult struct {
	dir     string
	outputs []string
}

// install prepares and installs pv once per (name, version), whichever
// partitions ask for it concurrently. Every waiter gets the same result.
func (m *Manager) install(ctx context.Context, key Key, pv *packages.PackageVersion, traceID string) (*installResult, error) {
	ch := m.installs.DoChan(key.Name+"@"+key.Version, func() (interface{}, error) {
		dir, err := m.artifacts.PrepareInstallDir(pv)
		if err != nil {
			return nil, &BackendError{
				Code: CodeInstallBackendFailed, Name: key.Name, Version: key.Version,
				Message: "failed to prepare package directory", ContextID: traceID, Cause: err,
			}
		}
		installStart := time.Now()
		installOutputs, err := m.installer.Install(ctx, dir, key.Name, key.Version)
		m.metrics.InstallDuration(key.Name, time.Since(installStart), err)
		if err != nil {
			be := &BackendError{
				Code: CodeInstallBackendFailed, Name: key.Name, Version: key.Version,
				Message: fmt.Sprintf("install of %s@%s failed", key.Name, key.Version),
				Outputs: installOutputs, ContextID: traceID, Cause: err,
			}
			var installErr *packages.InstallError
			if errors.As(err, &installErr) {
				code := installErr.ExitCode
				be.ReturnCode = &code
				be.Outputs = installErr.Outputs
				be.ContextID = installErr.InstallID
			}
			return nil, be
		}
		return &installResult{dir: dir, outputs: installOutputs}, nil
	})
	res := <-ch
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*installResult), nil
}

// markResolving records key as resolving unless a later stage already owns it.
func (m *Manager) markResolving(key Key) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.pending[key]; !ok {
		m.pending[key] = StateResolving
	}
}

func (m *Manager) clearResolving(key Key) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending[key] == StateResolving {
		delete(m.pending, key)
	}
}

// start runs install, port allocation, launch and readiness for key.
func (m *Manager) start(ctx context.Context, key Key, pv *packages.PackageVersion) (backend *ProxiedBackend, err error) {
	traceID := uuid.New().String()
	logger := m.logger.With("name", key.Name, "version", key.Version, "partition", key.Partition, "traceID", traceID)

	defer func() {
		if err != nil {
			m.setState(key, StateFailed)
			logger.Error("Failed to start backend", "error", err)
		}
	}()

	// Installing
	m.setState(key, StateInstalling)
	installed, err := m.install(ctx, key, pv, traceID)
	if err != nil {
		m.metrics.BackendLaunch(key.Name, metrics.ResultInstallFailed)
		return nil, err
	}
	dir := installed.dir

	m.setState(key, StatePortAllocating)
	port, err := m.portManager.AllocatePort()
	if err != nil {
		m.metrics.BackendLaunch(key.Name, metrics.ResultNoPort)
		return nil, &BackendError{
			Code: CodeNoPortAvailable, Name: key.Name, Version: key.Version,
			Message: "no free port for backend", ContextID: traceID, Cause: err,
		}
	}

	m.setState(key, StateLaunching)
	desc, err := packages.ReadDescriptor(dir)
	if err != nil {
		m.portManager.ReleasePort(port)
		m.metrics.BackendLaunch(key.Name, metrics.ResultCrashed)
		return nil, &BackendError{
			Code: CodeStartBackendCrashed, Name: key.Name, Version: key.Version,
			Message: "failed to read package descriptor", ContextID: traceID, Cause: err,
		}
	}
	proc, err := m.launcher.Launch(ctx, processes.LaunchSpec{
		Name:       key.Name,
		Version:    key.Version,
		Dir:        dir,
		Script:     desc.Main,
		Image:      desc.Image,
		Port:       port,
		ServerPort: m.serverPort,
		TraceID:    traceID,
	})
	if err != nil {
		m.portManager.ReleasePort(port)
		m.metrics.BackendLaunch(key.Name, metrics.ResultCrashed)
		return nil, &BackendError{
			Code: CodeStartBackendCrashed, Name: key.Name, Version: key.Version,
			Message: "failed to launch backend", ContextID: traceID, Cause: err,
		}
	}
	m.record(audit.Event{TraceID: traceID, EventType: audit.EventBackendLaunched, Name: key.Name, Version: key.Version, Partition: key.Partition, Port: port, Detail: fmt.Sprintf("pid=%d", proc.PID())})

	// ProbingReady
	m.setState(key, StateProbingReady)
	launchedAt := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, m.readyTimeout)
	err = m.prober.WaitReady(probeCtx, port, proc)
	cancel()
	if err != nil {
		// No orphaned processes on any failure path.
		proc.Terminate(m.gracefulShutdownPeriod)
		m.portManager.ReleasePort(port)
		outputs := proc.Output().Lines()

		var exitedErr *processes.ExitedError
		switch {
		case errors.As(err, &exitedErr):
			code := exitedErr.ExitCode
			m.metrics.BackendLaunch(key.Name, metrics.ResultCrashed)
			m.record(audit.Event{TraceID: traceID, EventType: audit.EventBackendCrashed, Name: key.Name, Version: key.Version, Partition: key.Partition, Port: port, ExitCode: &code, Detail: strings.Join(outputs, "\n")})
			return nil, &BackendError{
				Code: CodeStartBackendCrashed, Name: key.Name, Version: key.Version,
				Message:    fmt.Sprintf("%s@%s exited with code %d before becoming ready", key.Name, key.Version, code),
				ReturnCode: &code, Outputs: outputs, ContextID: traceID, Cause: err,
			}
		case errors.Is(err, context.DeadlineExceeded):
			m.metrics.BackendLaunch(key.Name, metrics.ResultTimeout)
			m.record(audit.Event{TraceID: traceID, EventType: audit.EventBackendTimeout, Name: key.Name, Version: key.Version, Partition: key.Partition, Port: port, Detail: strings.Join(outputs, "\n")})
			return nil, &BackendError{
				Code: CodeStartBackendTimeout, Name: key.Name, Version: key.Version,
				Message: fmt.Sprintf("%s@%s did not become ready within %s", key.Name, key.Version, m.readyTimeout),
				Outputs: outputs, ContextID: traceID, Cause: err,
			}
		default:
			m.metrics.BackendLaunch(key.Name, metrics.ResultError)
			return nil, fmt.Errorf("readiness probe for %s: %w", key, err)
		}
	}
	m.metrics.ReadyDuration(key.Name, time.Since(launchedAt))

	backend = &ProxiedBackend{
		Name:                 key.Name,
		Version:              key.Version,
		Partition:            key.Partition,
		Port:                 port,
		Process:              proc,
		InstallOutputs:       installed.outputs,
		ServerOutputsTraceID: traceID,
		RegisteredAt:         time.Now(),
	}
	if err := m.registry.Register(backend); err != nil {
		proc.Terminate(m.gracefulShutdownPeriod)
		m.portManager.ReleasePort(port)
		m.metrics.BackendLaunch(key.Name, metrics.ResultError)
		return nil, err
	}

	m.setState(key, StateRegistered)
	m.metrics.BackendLaunch(key.Name, metrics.ResultReady)
	m.metrics.BackendsRegistered(m.registry.Len())
	m.record(audit.Event{TraceID: traceID, EventType: audit.EventBackendReady, Name: key.Name, Version: key.Version, Partition: key.Partition, Port: port})
	logger.Info("Backend ready", "port", port, "pid", proc.PID(), "dir", dir)
	return backend, nil
}

// Register adds a backend the manager did not start, e.g. one launched by a
// supervisor. Its port is not managed by the port allocator.
func (m *Manager) Register(name, version, partition string, port int) (*ProxiedBackend, error) {
	if partition == "" {
		partition = m.defaultPartition
	}
	b := &ProxiedBackend{
		Name:         name,
		Version:      version,
		Partition:    partition,
		Port:         port,
		RegisteredAt: time.Now(),
	}
	if err := m.registry.Register(b); err != nil {
		return nil, err
	}
	m.metrics.BackendsRegistered(m.registry.Len())
	return b, nil
}

// Terminate removes the backend registered under the exact (name, version,
// partition) and stops its process if the manager owns one.
func (m *Manager) Terminate(name, version, partition string) error {
	if partition == "" {
		partition = m.defaultPartition
	}
	key := Key{Name: name, Version: version, Partition: partition}
	removed := m.registry.Remove(func(b *ProxiedBackend) bool {
		return b.Key() == key
	})
	if len(removed) == 0 {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, key)
	}
	m.stopAll(removed, audit.EventBackendStopped, "terminated")
	return nil
}

// List returns the registered backends.
func (m *Manager) List() []*ProxiedBackend {
	return m.registry.List()
}

// Reap removes registered backends whose owned process has exited.
func (m *Manager) Reap() int {
	removed := m.registry.Remove(func(b *ProxiedBackend) bool {
		if b.Process == nil {
			return false
		}
		_, exited := b.Process.Exited()
		return exited
	})
	if len(removed) > 0 {
		m.stopAll(removed, audit.EventBackendReaped, "reaped")
	}
	return len(removed)
}

// StartReaper runs Reap on the given cron schedule, e.g. "@every 30s".
func (m *Manager) StartReaper(schedule string) error {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaper != nil {
		return errors.New("reaper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n := m.Reap(); n > 0 {
			m.logger.Info("Reaped exited backends", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	c.Start()
	m.reaper = c
	m.logger.Info("Backend reaper started", "schedule", schedule)
	return nil
}

func (m *Manager) stopReaper() {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaper != nil {
		<-m.reaper.Stop().Done()
		m.reaper = nil
	}
}

// Shutdown stops the reaper and terminates every registered backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopReaper()
	removed := m.registry.Remove(func(*ProxiedBackend) bool { return true })

	done := make(chan struct{})
	go func() {
		m.stopAll(removed, audit.EventBackendStopped, "shutdown")
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopAll terminates the processes of removed entries in parallel and
// releases their ports.
func (m *Manager) stopAll(removed []*ProxiedBackend, event audit.EventType, reason string) {
	var wg sync.WaitGroup
	for _, b := range removed {
		wg.Add(1)
		go func(b *ProxiedBackend) {
			defer wg.Done()
			var exitCode *int
			if b.Process != nil {
				if err := b.Process.Terminate(m.gracefulShutdownPeriod); err != nil {
					m.logger.Warn("Failed to terminate backend", "key", b.Key().String(), "pid", b.Process.PID(), "error", err)
				}
				if code, exited := b.Process.Exited(); exited {
					exitCode = &code
				}
				m.portManager.ReleasePort(b.Port)
			}
			m.metrics.BackendTerminated(b.Name, reason)
			m.record(audit.Event{TraceID: b.ServerOutputsTraceID, EventType: event, Name: b.Name, Version: b.Version, Partition: b.Partition, Port: b.Port, ExitCode: exitCode, Detail: reason})
			m.logger.Info("Backend removed", "key", b.Key().String(), "port", b.Port, "reason", reason)
		}(b)
	}
	wg.Wait()
	m.metrics.BackendsRegistered(m.registry.Len())
}

func (m *Manager) record(event audit.Event) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordEvent(event); err != nil {
		m.logger.Warn("Failed to record backend event", "event", event.EventType, "error", err)
	}
}
