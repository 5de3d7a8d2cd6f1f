package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/devhub/devhub/audit"
	"github.com/tomyedwab/devhub/devhub/processes"
)

const (
	// InstallManifestName is the marker written into a package directory once
	// its install script has run.
	InstallManifestName = ".devhub-install-manifest"
	// InstallScriptName is the install script expected at the package root.
	InstallScriptName = "install.sh"
)

// InstallError reports a fatal install script exit (code >= 2).
type InstallError struct {
	Name      string
	Version   string
	ExitCode  int
	Outputs   []string
	InstallID string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install of %s@%s failed with exit code %d", e.Name, e.Version, e.ExitCode)
}

// EventRecorder receives install lifecycle events.
type EventRecorder interface {
	RecordEvent(event audit.Event) error
}

// OutputRecorder is both the event and the output sink, as audit.Logger is.
type OutputRecorder interface {
	EventRecorder
	processes.OutputSink
}

// Installer runs a package's install script at most once per install
// directory, tracked by the install manifest.
type Installer struct {
	sanitizedEnv []string
	recorder     OutputRecorder
	logger       *slog.Logger
}

func NewInstaller(sanitizedEnv []string, recorder OutputRecorder, logger *slog.Logger) *Installer {
	if sanitizedEnv == nil {
		sanitizedEnv = processes.DefaultSanitizedEnv
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		sanitizedEnv: sanitizedEnv,
		recorder:     recorder,
		logger:       logger.With("component", "Installer"),
	}
}

// IsInstalled reports whether dir carries an install manifest.
func IsInstalled(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, InstallManifestName))
	return err == nil
}

// Install runs dir/install.sh with dir as working directory and returns the
// captured output. Exit code 0 and 1 both write the manifest; exit code 1 is
// logged as degraded. Exit codes >= 2 return an *InstallError and leave no
// manifest behind. A package without an install script is treated as a
// successful no-op install.
func (i *Installer) Install(ctx context.Context, dir, name, version string) ([]string, error) {
	if IsInstalled(dir) {
		return []string{fmt.Sprintf("%s@%s already installed in %s", name, version, dir)}, nil
	}

	installID := uuid.New().String()
	logger := i.logger.With("name", name, "version", version, "installID", installID)
	i.record(audit.Event{TraceID: installID, EventType: audit.EventInstallStarted, Name: name, Version: version, Detail: dir})
	started := time.Now()

	scriptPath := filepath.Join(dir, InstallScriptName)
	var outputs []string
	exitCode := 0
	if _, err := os.Stat(scriptPath); errors.Is(err, os.ErrNotExist) {
		logger.Info("No install script, skipping")
		outputs = []string{fmt.Sprintf("no %s in package, nothing to install", InstallScriptName)}
	} else {
		cmd := processes.ScriptCommand(scriptPath)
		cmd.Dir = dir
		cmd.Env = processes.SanitizedEnv(os.Environ(), i.sanitizedEnv)

		logger.Info("Running install script", "dir", dir)
		var sink processes.OutputSink
		if i.recorder != nil {
			sink = i.recorder
		}
		result, err := processes.RunScript(ctx, cmd, installID, sink, i.logger)
		if err != nil {
			i.record(audit.Event{TraceID: installID, EventType: audit.EventInstallFailed, Name: name, Version: version, Detail: err.Error()})
			return nil, fmt.Errorf("failed to run install script for %s@%s: %w", name, version, err)
		}
		outputs = result.Outputs
		exitCode = result.ExitCode
	}

	if exitCode >= 2 || exitCode < 0 {
		code := exitCode
		i.record(audit.Event{TraceID: installID, EventType: audit.EventInstallFailed, Name: name, Version: version, ExitCode: &code, Detail: strings.Join(outputs, "\n")})
		logger.Error("Install script failed", "exitCode", exitCode, "outputs", outputs)
		return outputs, &InstallError{
			Name:      name,
			Version:   version,
			ExitCode:  exitCode,
			Outputs:   outputs,
			InstallID: installID,
		}
	}
	if exitCode == 1 {
		logger.Warn("Install script exited with code 1, continuing", "outputs", outputs)
	}

	manifest := strings.Join(outputs, "\n")
	if err := os.WriteFile(filepath.Join(dir, InstallManifestName), []byte(manifest), 0644); err != nil {
		return outputs, fmt.Errorf("failed to write install manifest for %s@%s: %w", name, version, err)
	}

	code := exitCode
	i.record(audit.Event{TraceID: installID, EventType: audit.EventInstallSucceeded, Name: name, Version: version, ExitCode: &code})
	logger.Info("Install complete", "exitCode", exitCode, "duration", time.Since(started))
	return outputs, nil
}

func (i *Installer) record(event audit.Event) {
	if i.recorder == nil {
		return
	}
	if err := i.recorder.RecordEvent(event); err != nil {
		i.logger.Warn("Failed to record install event", "event", event.EventType, "error", err)
	}
}
