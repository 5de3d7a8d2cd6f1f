package httpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/backends"
	"github.com/tomyedwab/devhub/devhub/esmservers"
	"github.com/tomyedwab/devhub/devhub/internal/testbackend"
	"github.com/tomyedwab/devhub/devhub/metrics"
	"github.com/tomyedwab/devhub/devhub/packages"
	"github.com/tomyedwab/devhub/devhub/processes"
)

const (
	testPortStart  = 42500
	testPortEnd    = 42520
	testServerPort = 8765
)

type stubLookup struct {
	mu         sync.Mutex
	pids       map[int]int32
	terminated []int32
}

func (s *stubLookup) set(port int, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids[port] = pid
}

func (s *stubLookup) terminatedPIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.terminated...)
}

func (s *stubLookup) ListenerPID(ctx context.Context, port int) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid, ok := s.pids[port]; ok {
		return pid, nil
	}
	return 0, processes.ErrNoListener
}

func (s *stubLookup) Terminate(ctx context.Context, pid int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, pid)
	return nil
}

type fixture struct {
	root     string
	store    *packages.Store
	audit    *audit.Logger
	backends *backends.Manager
	esm      *esmservers.Manager
	lookup   *stubLookup
	metrics  *metrics.PrometheusCollector
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	db := sqlx.MustConnect("sqlite3", "file:"+filepath.Join(root, "devhub.db")+"?_busy_timeout=5000&_journal_mode=WAL")
	t.Cleanup(func() { db.Close() })
	store, err := packages.NewStore(db)
	require.NoError(t, err)
	auditLogger, err := audit.NewLogger(db)
	require.NoError(t, err)
	pkgManager, err := packages.NewPackageManager(filepath.Join(root, "install"))
	require.NoError(t, err)
	ports, err := processes.NewPortManager(testPortStart, testPortEnd)
	require.NoError(t, err)
	collector := metrics.NewPrometheusCollector("devhub_test")

	backendManager, err := backends.NewManager(backends.Config{
		Resolver:               packages.NewResolver(store),
		Artifacts:              pkgManager,
		Installer:              packages.NewInstaller(nil, auditLogger, nil),
		PortManager:            ports,
		Launcher:               processes.NewScriptLaunchStrategy(nil, auditLogger, nil),
		Prober:                 processes.NewReadinessProber(50*time.Millisecond, time.Second, nil),
		Recorder:               auditLogger,
		Metrics:                collector,
		ServerPort:             testServerPort,
		ReadyTimeout:           15 * time.Second,
		GracefulShutdownPeriod: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		backendManager.Shutdown(ctx)
	})

	dispatcher := NewDispatcher(testServerPort, nil)
	lookup := &stubLookup{pids: make(map[int]int32)}
	esmManager := esmservers.NewManager(esmservers.Config{
		Lookup:       lookup,
		Forwarder:    dispatcher,
		PollInterval: 10 * time.Millisecond,
		Recorder:     auditLogger,
		Metrics:      collector,
	})

	proxy, err := NewProxy(Options{
		Backends:       backendManager,
		EsmServers:     esmManager,
		Dispatcher:     dispatcher,
		Outputs:        auditLogger,
		Metrics:        collector,
		MetricsHandler: collector.Handler(),
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	require.NoError(t, err)
	server := httptest.NewServer(proxy.Handler())
	t.Cleanup(server.Close)

	return &fixture{
		root:     root,
		store:    store,
		audit:    auditLogger,
		backends: backendManager,
		esm:      esmManager,
		lookup:   lookup,
		metrics:  collector,
		server:   server,
	}
}

func (f *fixture) publish(t *testing.T, name, version string, pkg testbackend.Package) {
	t.Helper()
	dir := filepath.Join(f.root, "artifacts", url.PathEscape(name), version)
	testbackend.WritePackage(t, dir, name, version, pkg)
	require.NoError(t, f.store.Put(name, version, dir))
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestNewProxyRequiresManagers(t *testing.T) {
	_, err := NewProxy(Options{})
	assert.Error(t, err)
}

func TestBackendRequestMatchesDirectRequest(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodPost, "/backends/echo/1.0.0/ping?x=1", bytes.NewBufferString("hello"), nil)
	proxiedBody := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, proxiedBody)

	backend := f.backends.List()[0]
	assert.Equal(t, "1.0.0", backend.Version)
	assert.Equal(t, strconv.Itoa(backend.Port), resp.Header.Get("X-Helper-Port"))
	assert.Equal(t, strconv.Itoa(testServerPort), resp.Header.Get("X-Helper-Server-Port"))
	traceID := resp.Header.Get(TraceIDHeader)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, traceID, resp.Header.Get("X-Helper-Trace"))

	direct, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/ping?x=1", backend.Port), "text/plain", bytes.NewBufferString("hello"))
	require.NoError(t, err)
	defer direct.Body.Close()
	directBody := readBody(t, direct)
	assert.Equal(t, direct.StatusCode, resp.StatusCode)
	assert.Equal(t, directBody, proxiedBody)
	assert.Equal(t, direct.Header.Get("Content-Type"), resp.Header.Get("Content-Type"))
}

func TestBackendRequestPreservesUpstreamStatus(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodGet, "/backends/echo/^1.0.0/teapot", nil, nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "GET /teapot")

	expected := `
# HELP devhub_test_dispatches_total Total number of proxied requests
# TYPE devhub_test_dispatches_total counter
devhub_test_dispatches_total{code="418",kind="backend"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "devhub_test_dispatches_total"))
}

func TestBackendRequestHonorsClientTraceAndPartition(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	header := http.Header{}
	header.Set(TraceIDHeader, "trace-123")
	header.Set(PartitionHeader, "tenant-a")
	resp := f.do(t, http.MethodGet, "/backends/echo/1.0.0/", nil, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-123", resp.Header.Get("X-Helper-Trace"))
	assert.Equal(t, "trace-123", resp.Header.Get(TraceIDHeader))

	list := f.backends.List()
	require.Len(t, list, 1)
	assert.Equal(t, "tenant-a", list[0].Partition)
}

func TestScopedPackageNameStaysOneSegment(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "@scope/echo", "2.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodGet, "/backends/%40scope%2Fecho/2.0.0/a/b", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, "GET /a/b")
	assert.Equal(t, "@scope/echo", f.backends.List()[0].Name)
}

func TestBackendErrorBodies(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "broken", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe, InstallExit: 2, InstallEcho: "disk full"})
	f.publish(t, "crashy", "1.0.0", testbackend.Package{Mode: testbackend.ModeCrash})

	tests := []struct {
		name       string
		path       string
		status     int
		exception  string
		returnCode *int
		output     string
	}{
		{name: "unknown package", path: "/backends/missing/1.0.0/", status: http.StatusNotFound, exception: "NoMatchingVersion"},
		{name: "no matching version", path: "/backends/crashy/^2.0.0/", status: http.StatusNotFound, exception: "NoMatchingVersion"},
		{name: "install failure", path: "/backends/broken/1.0.0/", status: http.StatusInternalServerError, exception: "InstallBackendFailed", returnCode: intPtr(2), output: "disk full"},
		{name: "crash", path: "/backends/crashy/1.0.0/", status: http.StatusInternalServerError, exception: "StartBackendCrashed", output: "helper crashing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))

			var body backends.ErrorBody
			decodeJSON(t, resp, &body)
			assert.Equal(t, tt.exception, body.Exception)
			assert.NotNil(t, body.Outputs)
			if tt.returnCode != nil {
				require.NotNil(t, body.ReturnCode)
				assert.Equal(t, *tt.returnCode, *body.ReturnCode)
			}
			if tt.output != "" {
				assert.Contains(t, body.Outputs, tt.output)
				assert.NotEmpty(t, body.ContextID)
			}
		})
	}
	assert.Empty(t, f.backends.List())
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/nothing/here", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEsmDispatch(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		fmt.Fprintf(w, "// %s %s", r.URL.Path, r.Header.Get(ServerPortHeader))
	}))
	defer upstream.Close()
	port := upstream.Listener.Addr().(*net.TCPAddr).Port
	f.lookup.set(port, 777)

	resp := f.do(t, http.MethodGet, "/esm/ui/1.0.0/src/main.js", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := json.Marshal(RegisterEsmRequest{Package: "ui", Version: "1.0.0", Port: port, WaitTimeoutSeconds: floatPtr(1)})
	resp = f.do(t, http.MethodPost, "/_devhub/esm", bytes.NewReader(body), http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info esmservers.Info
	decodeJSON(t, resp, &info)
	assert.Equal(t, int32(777), info.ListenerPID)
	assert.Equal(t, esmservers.RuleForward, info.Rule)

	resp = f.do(t, http.MethodGet, "/esm/ui/1.0.0/src/main.js", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "// /src/main.js "+strconv.Itoa(testServerPort), readBody(t, resp))

	resp = f.do(t, http.MethodGet, "/_devhub/esm", nil, nil)
	var listing struct {
		Servers []esmservers.Info `json:"servers"`
	}
	decodeJSON(t, resp, &listing)
	require.Len(t, listing.Servers, 1)
	assert.Equal(t, info.UID, listing.Servers[0].UID)

	resp = f.do(t, http.MethodDelete, "/_devhub/esm/"+info.UID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int32{777}, f.lookup.terminatedPIDs())

	resp = f.do(t, http.MethodDelete, "/_devhub/esm/"+info.UID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/esm/ui/1.0.0/src/main.js", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEsmRedirectRule(t *testing.T) {
	f := newFixture(t)
	f.lookup.set(5173, 1)

	body := `{"package":"ui","version":"2.0.0","port":5173,"rule":{"kind":"redirect"}}`
	resp := f.do(t, http.MethodPost, "/_devhub/esm", bytes.NewBufferString(body), http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	redirect, err := client.Get(f.server.URL + "/esm/ui/2.0.0/app.js?v=3")
	require.NoError(t, err)
	defer redirect.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, redirect.StatusCode)
	assert.Equal(t, "http://localhost:5173/app.js?v=3", redirect.Header.Get("Location"))
}

func TestRegisterEsmValidation(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Content-Type": {"application/json"}}

	resp := f.do(t, http.MethodPost, "/_devhub/esm", bytes.NewBufferString(`{"package":"ui"}`), header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/_devhub/esm", bytes.NewBufferString(`{"package":"ui","version":"1","port":5173,"rule":{"kind":"teleport"}}`), header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/_devhub/esm", bytes.NewBufferString(`{"package":"ui","version":"1","port":5999,"waitTimeoutSeconds":0.05}`), header)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "RegistrationFailed")
}

func TestAdminBackendRoutes(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodGet, "/backends/echo/1.0.0/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	traceID := f.backends.List()[0].ServerOutputsTraceID

	resp = f.do(t, http.MethodGet, "/_devhub/backends", nil, nil)
	var listing struct {
		Backends []backends.Info `json:"backends"`
	}
	decodeJSON(t, resp, &listing)
	require.Len(t, listing.Backends, 1)
	assert.Equal(t, "echo", listing.Backends[0].Name)
	assert.Equal(t, f.backends.DefaultPartition(), listing.Backends[0].Partition)

	resp = f.do(t, http.MethodGet, "/_devhub/health", nil, nil)
	var health map[string]any
	decodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1.0, health["backends"])

	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/_devhub/logs/"+traceID, nil, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var logs struct {
			Outputs []string      `json:"outputs"`
			Events  []audit.Event `json:"events"`
		}
		decodeJSON(t, resp, &logs)
		return len(logs.Outputs) > 0 && len(logs.Events) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/_devhub/logs/"+traceID+"?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/_devhub/logs/unknown-trace", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/_devhub/backends/echo/1.0.0", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.backends.List())

	resp = f.do(t, http.MethodDelete, "/_devhub/backends/echo/1.0.0", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEvents(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodGet, "/backends/echo/1.0.0/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	var recent struct {
		Events []audit.Event `json:"events"`
	}
	resp = f.do(t, http.MethodGet, "/_devhub/events?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &recent)
	assert.Len(t, recent.Events, 1)

	var launched struct {
		Events []audit.Event `json:"events"`
	}
	resp = f.do(t, http.MethodGet, "/_devhub/events?type=backend_launched", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &launched)
	require.Len(t, launched.Events, 1)
	assert.Equal(t, audit.EventBackendLaunched, launched.Events[0].EventType)
	assert.Equal(t, "echo", launched.Events[0].Name)

	resp = f.do(t, http.MethodGet, "/_devhub/events?type=esm_registered", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"events":[]}`, readBody(t, resp))

	resp = f.do(t, http.MethodGet, "/_devhub/events?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminCors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodOptions, "/_devhub/backends", nil, http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = f.do(t, http.MethodGet, "/_devhub/health", nil, http.Header{"Origin": {"http://evil.example"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/esm/none/1.0.0/", nil, nil)

	resp := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `devhub_test_dispatches_total{code="404",kind="esm"} 1`)
}

func TestBackendLogStream(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "echo", "1.0.0", testbackend.Package{Mode: testbackend.ModeServe})

	resp := f.do(t, http.MethodGet, "/_devhub/backends/echo/1.0.0/logs", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/backends/echo/1.0.0/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stream := f.do(t, http.MethodGet, "/_devhub/backends/echo/1.0.0/logs?from=0", nil, nil)
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Contains(t, stream.Header.Get("Content-Type"), "text/event-stream")

	resp = f.do(t, http.MethodDelete, "/_devhub/backends/echo/1.0.0", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body := readBody(t, stream)
	assert.Contains(t, body, "event:log")
	assert.Contains(t, body, "helper mode=serve")
	assert.Contains(t, body, "event:exit")
}
