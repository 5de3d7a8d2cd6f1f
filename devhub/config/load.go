package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DEVHUB_"

// LoadConfig loads configuration from the YAML file at path, applies
// defaults and environment overrides and validates the result. An empty
// path yields the defaults plus environment overrides.
//
// Relative paths inside a file are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		resolvePaths(cfg, abs)
	}

	ApplyDefaults(cfg)
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies DEVHUB_SECTION_FIELD variables. Malformed values
// are reported rather than ignored.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	o := overrider{lookup: lookup}

	o.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	o.int("SERVER_PORT", &cfg.Server.Port)
	o.str("SERVER_DEFAULT_PARTITION", &cfg.Server.DefaultPartition)
	o.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	o.list("SERVER_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)

	o.str("PACKAGES_INSTALL_DIR", &cfg.Packages.InstallDir)
	o.str("PACKAGES_CATALOG_PATH", &cfg.Packages.CatalogPath)
	o.str("PACKAGES_DB_PATH", &cfg.Packages.DBPath)
	o.bool("PACKAGES_WATCH_CATALOG", &cfg.Packages.WatchCatalog)

	o.int("BACKENDS_PORT_RANGE_START", &cfg.Backends.PortRangeStart)
	o.int("BACKENDS_PORT_RANGE_END", &cfg.Backends.PortRangeEnd)
	o.duration("BACKENDS_READY_TIMEOUT", &cfg.Backends.ReadyTimeout)
	o.duration("BACKENDS_PROBE_INTERVAL", &cfg.Backends.ProbeInterval)
	o.duration("BACKENDS_PROBE_TIMEOUT", &cfg.Backends.ProbeTimeout)
	o.duration("BACKENDS_GRACE_PERIOD", &cfg.Backends.GracePeriod)
	o.list("BACKENDS_SANITIZED_ENV", &cfg.Backends.SanitizedEnv)
	o.str("BACKENDS_LAUNCH_STRATEGY", &cfg.Backends.LaunchStrategy)
	o.str("BACKENDS_CONTAINER_RUNTIME", &cfg.Backends.ContainerRuntime)
	o.str("BACKENDS_REAP_SCHEDULE", &cfg.Backends.ReapSchedule)

	o.duration("ESM_WAIT_TIMEOUT", &cfg.Esm.WaitTimeout)
	o.duration("ESM_POLL_INTERVAL", &cfg.Esm.PollInterval)

	o.str("LOGGING_LEVEL", &cfg.Logging.Level)
	o.str("LOGGING_FORMAT", &cfg.Logging.Format)

	o.str("AUDIT_DB_PATH", &cfg.Audit.DBPath)
	o.duration("AUDIT_RETENTION", &cfg.Audit.Retention)
	o.str("AUDIT_RETENTION_SCHEDULE", &cfg.Audit.RetentionSchedule)

	o.bool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	o.str("METRICS_PATH", &cfg.Metrics.Path)
	o.str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)

	if len(o.errs) > 0 {
		return ValidationError{Errors: o.errs}
	}
	return nil
}

type overrider struct {
	lookup lookupFunc
	errs   []FieldError
}

func (o *overrider) get(key string) (string, bool) {
	val, ok := o.lookup(envPrefix + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (o *overrider) fail(key, msg string) {
	o.errs = append(o.errs, FieldError{Field: envPrefix + key, Message: msg})
}

func (o *overrider) str(key string, dst *string) {
	if val, ok := o.get(key); ok {
		*dst = val
	}
}

func (o *overrider) int(key string, dst *int) {
	if val, ok := o.get(key); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			o.fail(key, fmt.Sprintf("invalid integer %q", val))
			return
		}
		*dst = i
	}
}

func (o *overrider) bool(key string, dst *bool) {
	if val, ok := o.get(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			o.fail(key, fmt.Sprintf("invalid boolean %q", val))
			return
		}
		*dst = b
	}
}

func (o *overrider) duration(key string, dst *time.Duration) {
	if val, ok := o.get(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			o.fail(key, fmt.Sprintf("invalid duration %q", val))
			return
		}
		*dst = d
	}
}

// list parses a comma-separated value.
func (o *overrider) list(key string, dst *[]string) {
	if val, ok := o.get(key); ok {
		var items []string
		for _, item := range strings.Split(val, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}
