// Package testbackend turns a test binary into a tiny backend process so
// subprocess lifecycle tests need nothing beyond /bin/sh.
//
// A package's TestMain calls Main when IsHelper reports true. The helper
// parses the same "-p <port> -s <server port>" arguments a real start script
// receives and behaves according to ModeEnv.
package testbackend

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	ModeEnv = "DEVHUB_HELPER_MODE"

	// ModeServe answers GET / with 200 and echoes other paths.
	ModeServe = "serve"
	// ModeCrash prints a line and exits with code 3.
	ModeCrash = "crash"
	// ModeHang never binds the port.
	ModeHang = "hang"
	// ModeSlow waits a second before serving.
	ModeSlow = "slow"

	CrashExitCode = 3
)

func IsHelper() bool {
	return os.Getenv(ModeEnv) != ""
}

// Main runs the helper and exits.
func Main() {
	fs := flag.NewFlagSet("testbackend", flag.ExitOnError)
	port := fs.Int("p", 0, "listen port")
	serverPort := fs.Int("s", 0, "hosting server port")
	fs.Parse(os.Args[1:])

	fmt.Printf("helper mode=%s port=%d server=%d\n", os.Getenv(ModeEnv), *port, *serverPort)

	switch os.Getenv(ModeEnv) {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "helper crashing")
		os.Exit(CrashExitCode)
	case ModeHang:
		for {
			time.Sleep(time.Hour)
		}
	case ModeSlow:
		time.Sleep(time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Helper-Port", strconv.Itoa(*port))
		w.Header().Set("X-Helper-Server-Port", r.Header.Get("X-Devhub-Server-Port"))
		w.Header().Set("X-Helper-Trace", r.Header.Get("X-Trace-ID"))
		if r.URL.Path == "/" {
			fmt.Fprintln(w, "ok")
			return
		}
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
		}
		fmt.Fprintf(w, "%s %s?%s pid=%d\n", r.Method, r.URL.Path, r.URL.RawQuery, os.Getpid())
	})
	if err := http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", *port), mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Package describes a helper-backed package written to disk.
type Package struct {
	Mode        string
	InstallExit int
	InstallEcho string
	// NoInstall omits install.sh.
	NoInstall bool
}

// WritePackage writes package.json, start.sh and install.sh into dir. The
// start script re-executes the current test binary in helper mode.
func WritePackage(t testing.TB, dir, name, version string, pkg Package) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	exe, err := os.Executable()
	require.NoError(t, err)

	descriptor := fmt.Sprintf(`{"name":%q,"version":%q,"main":"start.sh"}`, name, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(descriptor), 0644))

	start := fmt.Sprintf("#!/bin/sh\n%s=%s exec %q \"$@\"\n", ModeEnv, pkg.Mode, exe)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.sh"), []byte(start), 0755))

	if !pkg.NoInstall {
		echo := pkg.InstallEcho
		if echo == "" {
			echo = "installing " + name + "@" + version
		}
		install := fmt.Sprintf("#!/bin/sh\necho %q\nexit %d\n", echo, pkg.InstallExit)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "install.sh"), []byte(install), 0755))
	}
}
