// Package config loads the devhub server configuration.
//
// Configuration comes from an optional YAML file. Defaults fill every field
// the file leaves empty, environment variables named DEVHUB_SECTION_FIELD
// override both, and the result is validated as a whole.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Packages PackagesConfig `yaml:"packages"`
	Backends BackendsConfig `yaml:"backends"`
	Esm      EsmConfig      `yaml:"esm"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	// ListenAddress is the host part the server binds, e.g. "127.0.0.1".
	ListenAddress string `yaml:"listen_address"`
	// Port is the server's own port. It is also passed to every backend.
	Port             int           `yaml:"port"`
	DefaultPartition string        `yaml:"default_partition"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

// PackagesConfig configures the metadata store and the install area.
type PackagesConfig struct {
	InstallDir   string `yaml:"install_dir"`
	CatalogPath  string `yaml:"catalog_path"`
	DBPath       string `yaml:"db_path"`
	WatchCatalog bool   `yaml:"watch_catalog"`
}

// BackendsConfig configures how backends are launched and supervised.
type BackendsConfig struct {
	PortRangeStart int           `yaml:"port_range_start"`
	PortRangeEnd   int           `yaml:"port_range_end"` // exclusive
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	SanitizedEnv   []string      `yaml:"sanitized_env"`
	// LaunchStrategy is "script" or "container".
	LaunchStrategy   string `yaml:"launch_strategy"`
	ContainerRuntime string `yaml:"container_runtime"`
	// ReapSchedule is a cron spec; empty disables the reaper.
	ReapSchedule string `yaml:"reap_schedule"`
}

// EsmConfig configures the live dev server registry.
type EsmConfig struct {
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// AuditConfig configures lifecycle event retention.
type AuditConfig struct {
	// DBPath defaults to the package database.
	DBPath            string        `yaml:"db_path"`
	Retention         time.Duration `yaml:"retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}
