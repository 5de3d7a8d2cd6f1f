package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultProbeInterval       = 1 * time.Second
	DefaultProbeRequestTimeout = 2 * time.Second
)

// ErrProcessExited is matched by ExitedError.
var ErrProcessExited = errors.New("process exited")

// ExitedError reports that a process exited with a non-zero code before it
// became ready.
type ExitedError struct {
	PID      int
	ExitCode int
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("process %d exited with code %d before becoming ready", e.PID, e.ExitCode)
}

func (e *ExitedError) Is(target error) bool {
	return target == ErrProcessExited
}

// ReadinessProber polls http://localhost:<port>/ until it answers 200.
type ReadinessProber struct {
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// NewReadinessProber creates a prober. requestTimeout bounds each single GET.
func NewReadinessProber(interval, requestTimeout time.Duration, logger *slog.Logger) *ReadinessProber {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultProbeRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadinessProber{
		client: &http.Client{
			Timeout: requestTimeout,
		},
		interval: interval,
		logger:   logger.With("component", "ReadinessProber"),
	}
}

// Check performs a single readiness probe against port.
func (p *ReadinessProber) Check(ctx context.Context, port int) (bool, error) {
	if port <= 0 {
		return false, fmt.Errorf("invalid port %d for readiness probe", port)
	}

	url := fmt.Sprintf("http://localhost:%d/", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create readiness request for %s: %w", url, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection refused while the backend is still starting.
		return false, nil
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// WaitReady blocks until the backend on port answers 200, proc exits with a
// non-zero code (ExitedError), or ctx ends (ctx.Err()). The caller owns the
// overall deadline. proc may be nil for processes the caller did not start.
func (p *ReadinessProber) WaitReady(ctx context.Context, port int, proc *Process) error {
	var exited <-chan struct{}
	if proc != nil {
		exited = proc.Done()
	}

	for attempt := 1; ; attempt++ {
		if proc != nil {
			if code, done := proc.Exited(); done && code != 0 {
				return &ExitedError{PID: proc.PID(), ExitCode: code}
			}
		}

		ready, err := p.Check(ctx, port)
		if err != nil {
			return err
		}
		if ready {
			p.logger.Debug("Backend ready", "port", port, "attempts", attempt)
			return nil
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-exited:
			timer.Stop()
			// Re-check on the next iteration; a zero exit keeps polling since
			// start scripts may hand off to a background server.
			exited = nil
		case <-timer.C:
		}
	}
}
