package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError is a validation failure of one configuration field.
type FieldError struct {
	// Field is the dotted path, e.g. "backends.port_range_start".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks the whole configuration and returns a ValidationError
// listing every problem, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validatePackages(&cfg.Packages)...)
	errs = append(errs, validateBackends(&cfg.Backends, cfg.Server.Port)...)
	errs = append(errs, validateEsm(&cfg.Esm)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func positive(field string, d time.Duration) []FieldError {
	if d <= 0 {
		return []FieldError{{Field: field, Message: "must be positive"}}
	}
	return nil
}

func validSchedule(field, spec string) []FieldError {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid schedule %q: %v", spec, err)}}
	}
	return nil
}

func validateServer(s *ServerConfig) []FieldError {
	var errs []FieldError
	if !validPort(s.Port) {
		errs = append(errs, FieldError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", s.Port)})
	}
	if s.DefaultPartition == "" {
		errs = append(errs, FieldError{Field: "server.default_partition", Message: "must not be empty"})
	}
	errs = append(errs, positive("server.shutdown_timeout", s.ShutdownTimeout)...)
	return errs
}

func validatePackages(p *PackagesConfig) []FieldError {
	var errs []FieldError
	if p.InstallDir == "" {
		errs = append(errs, FieldError{Field: "packages.install_dir", Message: "must not be empty"})
	}
	if p.DBPath == "" {
		errs = append(errs, FieldError{Field: "packages.db_path", Message: "must not be empty"})
	}
	if p.WatchCatalog && p.CatalogPath == "" {
		errs = append(errs, FieldError{Field: "packages.watch_catalog", Message: "requires packages.catalog_path"})
	}
	return errs
}

func validateBackends(b *BackendsConfig, serverPort int) []FieldError {
	var errs []FieldError
	if !validPort(b.PortRangeStart) {
		errs = append(errs, FieldError{Field: "backends.port_range_start", Message: fmt.Sprintf("invalid port %d", b.PortRangeStart)})
	}
	// The end is exclusive so 65536 is allowed.
	if b.PortRangeEnd <= b.PortRangeStart || b.PortRangeEnd > 65536 {
		errs = append(errs, FieldError{Field: "backends.port_range_end", Message: fmt.Sprintf("must be greater than port_range_start and at most 65536, got %d", b.PortRangeEnd)})
	}
	if serverPort >= b.PortRangeStart && serverPort < b.PortRangeEnd {
		errs = append(errs, FieldError{Field: "backends.port_range_start", Message: fmt.Sprintf("range contains the server port %d", serverPort)})
	}
	errs = append(errs, positive("backends.ready_timeout", b.ReadyTimeout)...)
	errs = append(errs, positive("backends.probe_interval", b.ProbeInterval)...)
	errs = append(errs, positive("backends.probe_timeout", b.ProbeTimeout)...)
	if b.GracePeriod < 0 {
		errs = append(errs, FieldError{Field: "backends.grace_period", Message: "must not be negative"})
	}
	switch b.LaunchStrategy {
	case "script", "container":
	default:
		errs = append(errs, FieldError{Field: "backends.launch_strategy", Message: fmt.Sprintf("must be script or container, got %q", b.LaunchStrategy)})
	}
	errs = append(errs, validSchedule("backends.reap_schedule", b.ReapSchedule)...)
	return errs
}

func validateEsm(e *EsmConfig) []FieldError {
	var errs []FieldError
	if e.WaitTimeout < 0 {
		errs = append(errs, FieldError{Field: "esm.wait_timeout", Message: "must not be negative"})
	}
	errs = append(errs, positive("esm.poll_interval", e.PollInterval)...)
	return errs
}

func validateLogging(l *LoggingConfig) []FieldError {
	var errs []FieldError
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", l.Level)})
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{Field: "logging.format", Message: fmt.Sprintf("must be json or text, got %q", l.Format)})
	}
	return errs
}

func validateAudit(a *AuditConfig) []FieldError {
	var errs []FieldError
	if a.DBPath == "" {
		errs = append(errs, FieldError{Field: "audit.db_path", Message: "must not be empty"})
	}
	errs = append(errs, positive("audit.retention", a.Retention)...)
	errs = append(errs, validSchedule("audit.retention_schedule", a.RetentionSchedule)...)
	return errs
}

func validateMetrics(m *MetricsConfig) []FieldError {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return []FieldError{{Field: "metrics.path", Message: "must start with /"}}
	}
	return nil
}
