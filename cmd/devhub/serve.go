package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/backends"
	"github.com/tomyedwab/devhub/devhub/config"
	"github.com/tomyedwab/devhub/devhub/esmservers"
	"github.com/tomyedwab/devhub/devhub/httpproxy"
	"github.com/tomyedwab/devhub/devhub/metrics"
	"github.com/tomyedwab/devhub/devhub/packages"
	"github.com/tomyedwab/devhub/devhub/processes"
)

var serveFlags struct {
	port     int
	logLevel string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the devhub server",
	Long: `Start the devhub server.

Requests to /backends/<name>/<version query>/<path> start the matching
backend on first use and are proxied to it. Requests to
/esm/<package>/<version>/<path> go to a registered live dev server. The
admin API lives under /_devhub.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "override server port")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Info("Starting devhub", "version", Version, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.catalog != nil {
		if err := svc.catalog.Reload(); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		if cfg.Packages.WatchCatalog {
			go func() {
				if err := svc.catalog.Watch(ctx); err != nil {
					logger.Error("Catalog watcher stopped", "error", err)
				}
			}()
		}
	}

	if cfg.Backends.ReapSchedule != "" {
		if err := svc.backends.StartReaper(cfg.Backends.ReapSchedule); err != nil {
			return err
		}
	}
	retention, err := startRetention(svc.audit, cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer func() { <-retention.Stop().Done() }()

	listenAddr := net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svc.proxy.Serve(listener)
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd of readiness", "error", err)
	} else if sent {
		logger.Info("Notified systemd that service is ready")
	}

	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Proxy server stopped unexpectedly", "error", err)
		}
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.proxy.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping proxy server", "error", err)
	}
	svc.esm.Shutdown(shutdownCtx)
	if err := svc.backends.Shutdown(shutdownCtx); err != nil {
		logger.Error("Backends did not stop in time", "error", err)
	}
	logger.Info("devhub stopped")
	return nil
}

// services is the wired component graph of a running server.
type services struct {
	dbs      []*sqlx.DB
	audit    *audit.Logger
	store    *packages.Store
	catalog  *packages.CatalogWatcher
	backends *backends.Manager
	esm      *esmservers.Manager
	proxy    *httpproxy.Proxy
}

func newServices(cfg *config.Config, logger *slog.Logger) (_ *services, err error) {
	svc := &services{}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	packagesDB, err := openDatabase(cfg.Packages.DBPath)
	if err != nil {
		return nil, err
	}
	svc.dbs = append(svc.dbs, packagesDB)
	auditDB := packagesDB
	if cfg.Audit.DBPath != cfg.Packages.DBPath {
		if auditDB, err = openDatabase(cfg.Audit.DBPath); err != nil {
			return nil, err
		}
		svc.dbs = append(svc.dbs, auditDB)
	}

	if svc.audit, err = audit.NewLogger(auditDB); err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	if svc.store, err = packages.NewStore(packagesDB); err != nil {
		return nil, fmt.Errorf("failed to initialize package store: %w", err)
	}
	if cfg.Packages.CatalogPath != "" {
		svc.catalog = packages.NewCatalogWatcher(cfg.Packages.CatalogPath, svc.store, 0, logger)
	}

	pkgManager, err := packages.NewPackageManager(cfg.Packages.InstallDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Package install directory", "dir", pkgManager.GetInstallDir())
	ports, err := processes.NewPortManager(cfg.Backends.PortRangeStart, cfg.Backends.PortRangeEnd)
	if err != nil {
		return nil, err
	}

	var launcher processes.LaunchStrategy
	switch cfg.Backends.LaunchStrategy {
	case "container":
		launcher = processes.NewContainerLaunchStrategy(cfg.Backends.ContainerRuntime, svc.audit, logger)
	default:
		launcher = processes.NewScriptLaunchStrategy(cfg.Backends.SanitizedEnv, svc.audit, logger)
	}

	var collector metrics.Collector = metrics.NewNoopCollector()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		pc := metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		collector = pc
		metricsHandler = pc.Handler()
	}

	svc.backends, err = backends.NewManager(backends.Config{
		Resolver:               packages.NewResolver(svc.store),
		Artifacts:              pkgManager,
		Installer:              packages.NewInstaller(cfg.Backends.SanitizedEnv, svc.audit, logger),
		PortManager:            ports,
		Launcher:               launcher,
		Prober:                 processes.NewReadinessProber(cfg.Backends.ProbeInterval, cfg.Backends.ProbeTimeout, logger),
		Recorder:               svc.audit,
		Metrics:                collector,
		Logger:                 logger,
		ServerPort:             cfg.Server.Port,
		DefaultPartition:       cfg.Server.DefaultPartition,
		ReadyTimeout:           cfg.Backends.ReadyTimeout,
		GracefulShutdownPeriod: cfg.Backends.GracePeriod,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := httpproxy.NewDispatcher(cfg.Server.Port, logger)
	svc.esm = esmservers.NewManager(esmservers.Config{
		Forwarder:    dispatcher,
		PollInterval: cfg.Esm.PollInterval,
		Recorder:     svc.audit,
		Metrics:      collector,
		Logger:       logger,
	})

	svc.proxy, err = httpproxy.NewProxy(httpproxy.Options{
		ListenAddr:     net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.Server.Port)),
		Backends:       svc.backends,
		EsmServers:     svc.esm,
		Dispatcher:     dispatcher,
		Outputs:        svc.audit,
		Metrics:        collector,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		EsmWaitTimeout: cfg.Esm.WaitTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *services) close() {
	for _, db := range s.dbs {
		db.Close()
	}
}

// startRetention prunes lifecycle events and captured output on schedule.
func startRetention(auditLogger *audit.Logger, cfg config.AuditConfig, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	if cfg.RetentionSchedule != "" {
		_, err := c.AddFunc(cfg.RetentionSchedule, func() {
			deleted, err := auditLogger.DeleteOldEvents(cfg.Retention)
			if err != nil {
				logger.Error("Audit retention failed", "error", err)
				return
			}
			logger.Info("Audit retention completed", "deleted", deleted, "olderThan", cfg.Retention)
		})
		if err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.RetentionSchedule, err)
		}
	}
	c.Start()
	return c, nil
}
