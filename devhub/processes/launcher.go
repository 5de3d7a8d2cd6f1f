package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ServerPortEnv carries the hosting server's port into launched children.
const ServerPortEnv = "DEVHUB_SERVER_PORT"

// DefaultSanitizedEnv lists interpreter search-path variables that are never
// inherited by launched children.
var DefaultSanitizedEnv = []string{"PYTHONPATH", "PYTHONHOME", "NODE_PATH"}

// OutputSink receives every captured output line under its trace id.
type OutputSink interface {
	RecordOutput(traceID, line string) error
}

// LaunchSpec describes one backend launch.
type LaunchSpec struct {
	Name       string
	Version    string
	Dir        string // Package install directory, used as the working directory.
	Script     string // Start script relative to Dir.
	Image      string // Container image; only used by ContainerLaunchStrategy.
	Port       int    // Port the backend must listen on.
	ServerPort int    // The hosting server's own port, for callbacks.
	TraceID    string // Id the output is streamed under.
}

// LaunchStrategy starts a backend process without waiting for readiness.
type LaunchStrategy interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Process, error)
}

// ScriptLaunchStrategy runs the package's start script as a subprocess:
// <script> -p <port> -s <server port>.
type ScriptLaunchStrategy struct {
	SanitizedEnv   []string
	BufferCapacity int
	Sink           OutputSink
	Logger         *slog.Logger
}

func NewScriptLaunchStrategy(sanitizedEnv []string, sink OutputSink, logger *slog.Logger) *ScriptLaunchStrategy {
	if sanitizedEnv == nil {
		sanitizedEnv = DefaultSanitizedEnv
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptLaunchStrategy{
		SanitizedEnv: sanitizedEnv,
		Sink:         sink,
		Logger:       logger.With("component", "ScriptLauncher"),
	}
}

// Launch implements LaunchStrategy. The context only bounds the spawn itself;
// the child outlives the request that triggered it.
func (s *ScriptLaunchStrategy) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Script == "" {
		return nil, fmt.Errorf("no start script for %s@%s", spec.Name, spec.Version)
	}
	scriptPath := filepath.Join(spec.Dir, spec.Script)
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("start script for %s@%s: %w", spec.Name, spec.Version, err)
	}

	cmd := ScriptCommand(scriptPath, "-p", strconv.Itoa(spec.Port), "-s", strconv.Itoa(spec.ServerPort))
	cmd.Dir = spec.Dir
	cmd.Env = SanitizedEnv(os.Environ(), s.SanitizedEnv,
		fmt.Sprintf("%s=%d", ServerPortEnv, spec.ServerPort),
		fmt.Sprintf("PORT=%d", spec.Port),
	)

	s.Logger.Info("Starting backend", "name", spec.Name, "version", spec.Version, "port", spec.Port, "command", cmd.String(), "traceID", spec.TraceID)
	proc, err := startProcess(cmd, "server", spec.TraceID, s.BufferCapacity, s.Sink, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s@%s: %w", spec.Name, spec.Version, err)
	}
	s.Logger.Info("Backend process spawned", "name", spec.Name, "version", spec.Version, "pid", proc.PID(), "port", spec.Port)
	return proc, nil
}

var containerNamePattern = regexp.MustCompile(`[^a-z0-9_.-]+`)

// ContainerLaunchStrategy runs the start script inside a container using a
// podman-compatible CLI. The package directory is mounted read-only at /pkg
// and the container shares the host network so the allocated port and the
// hosting server's port mean the same thing on both sides.
type ContainerLaunchStrategy struct {
	Runtime        string // "podman" or "docker"
	BufferCapacity int
	Sink           OutputSink
	Logger         *slog.Logger
}

func NewContainerLaunchStrategy(runtime string, sink OutputSink, logger *slog.Logger) *ContainerLaunchStrategy {
	if runtime == "" {
		runtime = "podman"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerLaunchStrategy{
		Runtime: runtime,
		Sink:    sink,
		Logger:  logger.With("component", "ContainerLauncher"),
	}
}

// ContainerName derives a stable, CLI-safe container name for a launch.
func ContainerName(spec LaunchSpec) string {
	raw := strings.ToLower(fmt.Sprintf("devhub-%s-%s-%d", spec.Name, spec.Version, spec.Port))
	return containerNamePattern.ReplaceAllString(raw, "-")
}

// ContainerArgs builds the runtime arguments for spec.
func ContainerArgs(spec LaunchSpec) []string {
	port := strconv.Itoa(spec.Port)
	return []string{
		"run", "--rm",
		"--name", ContainerName(spec),
		"--network", "host",
		"-v", fmt.Sprintf("%s:/pkg:ro", spec.Dir),
		"-w", "/pkg",
		"-e", fmt.Sprintf("%s=%d", ServerPortEnv, spec.ServerPort),
		"-e", "PORT=" + port,
		spec.Image,
		"/bin/sh", spec.Script, "-p", port, "-s", strconv.Itoa(spec.ServerPort),
	}
}

// Launch implements LaunchStrategy.
func (c *ContainerLaunchStrategy) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Image == "" {
		return nil, errors.New("container launch requires an image in the package descriptor")
	}
	cmd := exec.Command(c.Runtime, ContainerArgs(spec)...)
	c.Logger.Info("Starting backend container", "name", spec.Name, "version", spec.Version, "image", spec.Image, "port", spec.Port, "traceID", spec.TraceID)
	proc, err := startProcess(cmd, "server", spec.TraceID, c.BufferCapacity, c.Sink, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start container for %s@%s: %w", spec.Name, spec.Version, err)
	}
	return proc, nil
}

// ScriptCommand builds the command for a package script. Shell scripts run
// through /bin/sh so they need no executable bit.
func ScriptCommand(path string, args ...string) *exec.Cmd {
	if strings.HasSuffix(path, ".sh") {
		return exec.Command("/bin/sh", append([]string{path}, args...)...)
	}
	return exec.Command(path, args...)
}

// SanitizedEnv returns base without the variables named in drop, followed by extra.
func SanitizedEnv(base []string, drop []string, extra ...string) []string {
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		skip := false
		for _, d := range drop {
			if key == d {
				skip = true
				break
			}
		}
		if !skip {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}

// RunResult is the outcome of a script run to completion.
type RunResult struct {
	ExitCode int
	Outputs  []string
}

// RunScript runs cmd to completion, capturing combined output under traceID.
// A non-zero exit is reported through RunResult, not as an error.
func RunScript(ctx context.Context, cmd *exec.Cmd, traceID string, sink OutputSink, logger *slog.Logger) (*RunResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := startProcess(cmd, "install", traceID, 0, sink, logger)
	if err != nil {
		return nil, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Terminate(0)
		return nil, ctx.Err()
	}
	code, _ := proc.Exited()
	return &RunResult{ExitCode: code, Outputs: proc.Output().Lines()}, nil
}
