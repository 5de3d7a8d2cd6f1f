package httpproxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/backends"
	"github.com/tomyedwab/devhub/devhub/esmservers"
	"github.com/tomyedwab/devhub/devhub/httpproxy/middleware"
	"github.com/tomyedwab/devhub/devhub/httpproxy/types"
	"github.com/tomyedwab/devhub/devhub/metrics"
)

const defaultEventLimit = 100

const (
	dispatchBackend = "backend"
	dispatchEsm     = "esm"
)

// Options configures a Proxy.
type Options struct {
	ListenAddr     string
	Backends       types.BackendManager
	EsmServers     types.EsmServerManager
	Dispatcher     *Dispatcher
	Outputs        types.OutputStore // Optional, enables /_devhub/logs and /_devhub/events
	Metrics        metrics.Collector // Optional
	MetricsHandler http.Handler      // Optional, served at MetricsPath
	MetricsPath    string            // Defaults to /metrics
	AllowedOrigins []string          // CORS origins for the admin API
	EsmWaitTimeout time.Duration     // Used when a registration names no wait timeout
	Logger         *slog.Logger
}

// Proxy is the HTTP front of the dev server: it provisions and forwards to
// backends, forwards to live dev servers and exposes the admin API.
type Proxy struct {
	listenAddr string
	backends   types.BackendManager
	esm        types.EsmServerManager
	dispatcher *Dispatcher
	outputs    types.OutputStore
	metrics    metrics.Collector
	esmWait    time.Duration
	logger     *slog.Logger

	router *gin.Engine
	server *http.Server
}

func NewProxy(opts Options) (*Proxy, error) {
	if opts.Backends == nil || opts.EsmServers == nil || opts.Dispatcher == nil {
		return nil, errors.New("backends, esm servers and dispatcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	p := &Proxy{
		listenAddr: opts.ListenAddr,
		backends:   opts.Backends,
		esm:        opts.EsmServers,
		dispatcher: opts.Dispatcher,
		outputs:    opts.Outputs,
		metrics:    collector,
		esmWait:    opts.EsmWaitTimeout,
		logger:     logger.With("component", "Proxy"),
	}

	router := gin.New()
	// Scoped package names arrive as %40scope%2Fname and must stay one segment.
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery(), middleware.TraceID(TraceIDHeader), middleware.RequestLogger(p.logger))

	router.Any("/backends/:name/:version/*rest", p.handleBackend)
	router.Any("/esm/:package/:version/*rest", p.handleEsm)

	admin := router.Group("/_devhub", middleware.Cors(opts.AllowedOrigins))
	admin.GET("/health", p.handleHealth)
	admin.GET("/backends", p.handleListBackends)
	admin.DELETE("/backends/:name/:version", p.handleTerminateBackend)
	admin.GET("/backends/:name/:version/logs", p.handleLogStream)
	admin.GET("/esm", p.handleListEsm)
	admin.POST("/esm", p.handleRegisterEsm)
	admin.DELETE("/esm/:uid", p.handleTerminateEsm)
	admin.GET("/logs/:traceId", p.handleLogs)
	admin.GET("/events", p.handleEvents)
	admin.OPTIONS("/*any", func(c *gin.Context) {})

	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(opts.MetricsHandler))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "no route for " + c.Request.URL.Path})
	})

	p.router = router
	return p, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (p *Proxy) Handler() http.Handler {
	return p.router
}

// Serve accepts connections on l until Stop is called.
func (p *Proxy) Serve(l net.Listener) error {
	p.server = &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	p.logger.Info("Starting proxy server", "addr", l.Addr().String())
	err := p.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address.
func (p *Proxy) ListenAndServe() error {
	l, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return err
	}
	return p.Serve(l)
}

// Stop gracefully shuts down the proxy server.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	p.logger.Info("Stopping proxy server")
	return p.server.Shutdown(ctx)
}

func (p *Proxy) handleBackend(c *gin.Context) {
	name := c.Param("name")
	query := c.Param("version")
	partition := c.GetHeader(PartitionHeader)

	backend, err := p.backends.EnsureRunning(c.Request.Context(), name, query, partition)
	if err != nil {
		status := p.writeError(c, err)
		p.metrics.Dispatch(dispatchBackend, status)
		return
	}

	status := p.dispatcher.Forward(c.Writer, c.Request, backend.Port, c.Param("rest"))
	p.metrics.Dispatch(dispatchBackend, status)
}

func (p *Proxy) handleEsm(c *gin.Context) {
	pkg := c.Param("package")
	version := c.Param("version")
	if !p.esm.Dispatch(c.Writer, c.Request, pkg, version, c.Param("rest")) {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "no dev server registered for " + pkg + "@" + version})
		p.metrics.Dispatch(dispatchEsm, http.StatusNotFound)
		return
	}
	p.metrics.Dispatch(dispatchEsm, c.Writer.Status())
}

// writeError renders err and returns the status written.
func (p *Proxy) writeError(c *gin.Context, err error) int {
	var be *backends.BackendError
	if errors.As(err, &be) {
		status := be.HTTPStatus()
		c.JSON(status, be.Body())
		return status
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The client went away; nothing useful can be written.
		c.Status(499)
		return 499
	}
	c.JSON(http.StatusInternalServerError, backends.ErrorBody{
		Exception: "InternalError",
		Message:   err.Error(),
		Outputs:   []string{},
		ContextID: c.GetString("traceID"),
	})
	return http.StatusInternalServerError
}

func (p *Proxy) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"backends":   len(p.backends.List()),
		"esmServers": len(p.esm.List()),
	})
}

type pendingInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Partition string `json:"partition"`
	State     string `json:"state"`
}

func (p *Proxy) handleListBackends(c *gin.Context) {
	list := p.backends.List()
	infos := make([]backends.Info, len(list))
	for i, b := range list {
		infos[i] = b.Info()
	}
	pending := []pendingInfo{}
	for key, state := range p.backends.Pending() {
		pending = append(pending, pendingInfo{Name: key.Name, Version: key.Version, Partition: key.Partition, State: state.String()})
	}
	c.JSON(http.StatusOK, gin.H{"backends": infos, "pending": pending})
}

func (p *Proxy) handleTerminateBackend(c *gin.Context) {
	err := p.backends.Terminate(c.Param("name"), c.Param("version"), c.GetHeader(PartitionHeader))
	if errors.Is(err, backends.ErrBackendNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": err.Error()})
		return
	}
	if err != nil {
		p.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (p *Proxy) handleListEsm(c *gin.Context) {
	list := p.esm.List()
	infos := make([]esmservers.Info, len(list))
	for i, s := range list {
		infos[i] = s.Info()
	}
	c.JSON(http.StatusOK, gin.H{"servers": infos})
}

// RegisterEsmRequest is the body of POST /_devhub/esm. A missing
// waitTimeoutSeconds uses the server default; 0 registers without waiting.
type RegisterEsmRequest struct {
	Package            string              `json:"package" binding:"required"`
	Version            string              `json:"version" binding:"required"`
	Port               int                 `json:"port" binding:"required"`
	WaitTimeoutSeconds *float64            `json:"waitTimeoutSeconds,omitempty"`
	Rule               esmservers.RuleSpec `json:"rule"`
}

func (p *Proxy) handleRegisterEsm(c *gin.Context) {
	var req RegisterEsmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": "BadRequest", "message": err.Error()})
		return
	}
	rule, err := req.Rule.Build()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": "BadRequest", "message": err.Error()})
		return
	}

	wait := p.esmWait
	if req.WaitTimeoutSeconds != nil {
		wait = time.Duration(*req.WaitTimeoutSeconds * float64(time.Second))
	}
	server, err := p.esm.Register(c.Request.Context(), req.Package, req.Version, req.Port, esmservers.RegisterOptions{
		WaitTimeout: wait,
		Rule:        rule,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if !errors.Is(err, esmservers.ErrListenerNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"exception": "RegistrationFailed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, server.Info())
}

func (p *Proxy) handleTerminateEsm(c *gin.Context) {
	err := p.esm.Terminate(c.Request.Context(), c.Param("uid"))
	if errors.Is(err, esmservers.ErrServerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": err.Error()})
		return
	}
	if err != nil {
		// The entry is gone either way; report what went wrong with the signal.
		c.JSON(http.StatusOK, gin.H{"removed": true, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (p *Proxy) handleLogs(c *gin.Context) {
	if p.outputs == nil {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "output capture is disabled"})
		return
	}
	traceID := c.Param("traceId")
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"exception": "BadRequest", "message": "invalid limit"})
			return
		}
		limit = n
	}

	lines, err := p.outputs.GetOutput(traceID, limit)
	if err != nil {
		p.writeError(c, err)
		return
	}
	events, err := p.outputs.GetEventsByTraceID(traceID)
	if err != nil {
		p.writeError(c, err)
		return
	}
	if len(lines) == 0 && len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "nothing recorded for " + traceID})
		return
	}
	output := make([]string, len(lines))
	for i, l := range lines {
		output[i] = l.Line
	}
	c.JSON(http.StatusOK, gin.H{"traceId": traceID, "outputs": output, "events": events})
}

// handleEvents lists the newest lifecycle events, optionally of one type.
func (p *Proxy) handleEvents(c *gin.Context) {
	if p.outputs == nil {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "output capture is disabled"})
		return
	}
	limit := defaultEventLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"exception": "BadRequest", "message": "invalid limit"})
			return
		}
		limit = n
	}

	var (
		events []audit.Event
		err    error
	)
	if eventType := c.Query("type"); eventType != "" {
		events, err = p.outputs.GetEventsByType(audit.EventType(eventType), limit)
	} else {
		events, err = p.outputs.GetRecentEvents(limit)
	}
	if err != nil {
		p.writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
