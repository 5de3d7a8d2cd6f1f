package processes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/devhub/devhub/internal/testbackend"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestReadinessCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	port := serverPort(t, srv)

	prober := NewReadinessProber(0, 0, nil)
	ready, err := prober.Check(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, ready)

	status.Store(http.StatusOK)
	ready, err = prober.Check(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = prober.Check(context.Background(), 0)
	assert.Error(t, err)
}

func TestWaitReadyPollsUntilOK(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewReadinessProber(10*time.Millisecond, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, prober.WaitReady(ctx, serverPort(t, srv), nil))
	assert.EqualValues(t, 3, hits.Load())
}

func TestWaitReadyFailsFastOnCrash(t *testing.T) {
	proc := launchHelper(t, testbackend.ModeCrash, 42193, nil)

	prober := NewReadinessProber(time.Second, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := prober.WaitReady(ctx, 42193, proc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessExited))

	var exitedErr *ExitedError
	require.ErrorAs(t, err, &exitedErr)
	assert.Equal(t, testbackend.CrashExitCode, exitedErr.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWaitReadyHonoursDeadline(t *testing.T) {
	proc := launchHelper(t, testbackend.ModeHang, 42194, nil)

	prober := NewReadinessProber(50*time.Millisecond, 100*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := prober.WaitReady(ctx, 42194, proc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, exited := proc.Exited()
	assert.False(t, exited, "WaitReady must not terminate the process itself")
}
