package httpproxy

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/devhub/devhub/backends"
)

const (
	// PartitionHeader selects the backend partition of a request.
	PartitionHeader = "X-Devhub-Partition"
	// TraceIDHeader carries the correlation id of a request.
	TraceIDHeader = "X-Trace-ID"
	// ServerPortHeader tells a backend which port the hosting server listens on.
	ServerPortHeader = "X-Devhub-Server-Port"
)

// Dispatcher relays requests to backends listening on local ports. The
// upstream response (status, headers and body) is returned verbatim.
type Dispatcher struct {
	serverPort int
	transport  *http.Transport
	logger     *slog.Logger
}

func NewDispatcher(serverPort int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Dispatcher{
		serverPort: serverPort,
		transport:  transport,
		logger:     logger.With("component", "Dispatcher"),
	}
}

// Forward sends r to http://localhost:<port>/<rest>, keeping the method,
// query, headers and body, and adds the trace id and server port headers.
// It returns the upstream status, or 502 when the backend is unreachable.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, port int, rest string) int {
	traceID := r.Header.Get(TraceIDHeader)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	target := &url.URL{
		Scheme: "http", // Backend services are HTTP
		Host:   "localhost:" + strconv.Itoa(port),
	}
	destPath := "/" + strings.TrimPrefix(rest, "/")

	status := http.StatusBadGateway
	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = destPath
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Header.Set(TraceIDHeader, traceID)
			pr.Out.Header.Set(ServerPortHeader, strconv.Itoa(d.serverPort))
		},
		Transport: d.transport,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			d.logger.Error("Backend unreachable", "traceID", traceID, "destination", target.String()+destPath, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(backends.ErrorBody{
				Exception: "BadGateway",
				Message:   err.Error(),
				Outputs:   []string{},
				ContextID: traceID,
			})
		},
	}

	reverseProxy.ServeHTTP(w, r)
	d.logger.Info("Proxied request", "traceID", traceID, "origin", r.URL.Path, "destination", target.String()+destPath, "status", status)
	return status
}
