package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Launch results recorded by BackendLaunch.
const (
	ResultReady         = "ready"
	ResultInstallFailed = "install_failed"
	ResultCrashed       = "crashed"
	ResultTimeout       = "timeout"
	ResultNoPort        = "no_port"
	ResultNoVersion     = "no_version"
	ResultError         = "error"
)

// Collector defines the metrics recorded by the backend and dev server managers
type Collector interface {
	// BackendLaunch records the outcome of one install/launch attempt
	BackendLaunch(name, result string)

	// InstallDuration records how long an install script ran
	InstallDuration(name string, duration time.Duration, err error)

	// ReadyDuration records the time from spawn to a successful readiness probe
	ReadyDuration(name string, duration time.Duration)

	// BackendTerminated records a removed backend and why
	BackendTerminated(name, reason string)

	// BackendsRegistered sets the number of registered backends
	BackendsRegistered(n int)

	// EsmServersRegistered sets the number of registered live dev servers
	EsmServersRegistered(n int)

	// Dispatch records one proxied request
	Dispatch(kind string, status int)
}

type noopCollector struct{}

func (noopCollector) BackendLaunch(name, result string)                              {}
func (noopCollector) InstallDuration(name string, duration time.Duration, err error) {}
func (noopCollector) ReadyDuration(name string, duration time.Duration)              {}
func (noopCollector) BackendTerminated(name, reason string)                          {}
func (noopCollector) BackendsRegistered(n int)                                       {}
func (noopCollector) EsmServersRegistered(n int)                                     {}
func (noopCollector) Dispatch(kind string, status int)                               {}

// NewNoopCollector creates a collector that records nothing
func NewNoopCollector() Collector {
	return noopCollector{}
}

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	launches        *prometheus.CounterVec
	installDuration *prometheus.HistogramVec
	readyDuration   *prometheus.HistogramVec
	terminations    *prometheus.CounterVec
	backends        prometheus.Gauge
	esmServers      prometheus.Gauge
	dispatches      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "devhub"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_launches_total",
			Help:      "Total number of backend install/launch attempts by result",
		},
		[]string{"package", "result"},
	)

	pc.installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_install_duration_seconds",
			Help:      "Duration of package install scripts",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"package", "status"},
	)

	pc.readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_ready_duration_seconds",
			Help:      "Time from backend spawn to a successful readiness probe",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"package"},
	)

	pc.terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_terminations_total",
			Help:      "Total number of backends removed from the registry",
		},
		[]string{"package", "reason"},
	)

	pc.backends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backends_registered",
			Help:      "Current number of registered backends",
		},
	)

	pc.esmServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "esm_servers_registered",
			Help:      "Current number of registered live dev servers",
		},
	)

	pc.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"kind", "code"},
	)

	pc.registry.MustRegister(
		pc.launches,
		pc.installDuration,
		pc.readyDuration,
		pc.terminations,
		pc.backends,
		pc.esmServers,
		pc.dispatches,
	)

	return pc
}

// Registry returns the underlying registry
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

func (pc *PrometheusCollector) BackendLaunch(name, result string) {
	pc.launches.WithLabelValues(name, result).Inc()
}

func (pc *PrometheusCollector) InstallDuration(name string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pc.installDuration.WithLabelValues(name, status).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) ReadyDuration(name string, duration time.Duration) {
	pc.readyDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) BackendTerminated(name, reason string) {
	pc.terminations.WithLabelValues(name, reason).Inc()
}

func (pc *PrometheusCollector) BackendsRegistered(n int) {
	pc.backends.Set(float64(n))
}

func (pc *PrometheusCollector) EsmServersRegistered(n int) {
	pc.esmServers.Set(float64(n))
}

func (pc *PrometheusCollector) Dispatch(kind string, status int) {
	pc.dispatches.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}
