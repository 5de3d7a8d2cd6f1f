package config

import (
	"path/filepath"
	"time"
)

// Default values for configuration fields.
const (
	DefaultListenAddress    = "127.0.0.1"
	DefaultServerPort       = 8080
	DefaultPartition        = "default"
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultInstallDir       = "data/install"
	DefaultPackagesDBPath   = "data/devhub.db"
	DefaultPortRangeStart   = 10000
	DefaultPortRangeEnd     = 11000
	DefaultReadyTimeout     = 60 * time.Second
	DefaultProbeInterval    = time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultLaunchStrategy   = "script"
	DefaultContainerRuntime = "podman"
	DefaultReapSchedule     = "@every 30s"
	DefaultEsmWaitTimeout   = 10 * time.Second
	DefaultEsmPollInterval  = 500 * time.Millisecond
	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "json"
	DefaultAuditRetention   = 7 * 24 * time.Hour
	DefaultAuditSchedule    = "@daily"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "devhub"
)

// DefaultSanitizedEnv lists interpreter search paths dropped from backend environments.
var DefaultSanitizedEnv = []string{"PYTHONPATH", "PYTHONHOME", "NODE_PATH"}

// NewDefaultConfig returns a configuration with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.Port == 0 {
		s.Port = DefaultServerPort
	}
	if s.DefaultPartition == "" {
		s.DefaultPartition = DefaultPartition
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Packages
	if p.InstallDir == "" {
		p.InstallDir = DefaultInstallDir
	}
	if p.DBPath == "" {
		p.DBPath = DefaultPackagesDBPath
	}

	b := &cfg.Backends
	if b.PortRangeStart == 0 {
		b.PortRangeStart = DefaultPortRangeStart
	}
	if b.PortRangeEnd == 0 {
		b.PortRangeEnd = DefaultPortRangeEnd
	}
	if b.ReadyTimeout == 0 {
		b.ReadyTimeout = DefaultReadyTimeout
	}
	if b.ProbeInterval == 0 {
		b.ProbeInterval = DefaultProbeInterval
	}
	if b.ProbeTimeout == 0 {
		b.ProbeTimeout = DefaultProbeTimeout
	}
	if b.GracePeriod == 0 {
		b.GracePeriod = DefaultGracePeriod
	}
	if b.SanitizedEnv == nil {
		b.SanitizedEnv = append([]string(nil), DefaultSanitizedEnv...)
	}
	if b.LaunchStrategy == "" {
		b.LaunchStrategy = DefaultLaunchStrategy
	}
	if b.ContainerRuntime == "" {
		b.ContainerRuntime = DefaultContainerRuntime
	}
	if b.ReapSchedule == "" {
		b.ReapSchedule = DefaultReapSchedule
	}

	if cfg.Esm.WaitTimeout == 0 {
		cfg.Esm.WaitTimeout = DefaultEsmWaitTimeout
	}
	if cfg.Esm.PollInterval == 0 {
		cfg.Esm.PollInterval = DefaultEsmPollInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}

	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = p.DBPath
	}
	if cfg.Audit.Retention == 0 {
		cfg.Audit.Retention = DefaultAuditRetention
	}
	if cfg.Audit.RetentionSchedule == "" {
		cfg.Audit.RetentionSchedule = DefaultAuditSchedule
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
}

// resolvePaths makes relative paths relative to the directory of the config file.
func resolvePaths(cfg *Config, base string) {
	for _, p := range []*string{&cfg.Packages.InstallDir, &cfg.Packages.CatalogPath, &cfg.Packages.DBPath, &cfg.Audit.DBPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
