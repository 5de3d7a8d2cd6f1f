package processes

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// drainGrace bounds how long the exit handler waits for buffered output after
// the child exits. A forked grandchild can keep the pipe open indefinitely.
const drainGrace = 250 * time.Millisecond

// Process is a handle to a launched OS process. The child runs in its own
// process group so termination reaches any shells it forks.
type Process struct {
	cmd     *exec.Cmd
	pid     int
	traceID string
	output  *LogBuffer

	done     chan struct{}
	mu       sync.Mutex
	exited   bool
	exitCode int
}

// PID returns the OS process id of the spawned child.
func (p *Process) PID() int {
	return p.pid
}

// TraceID is the id under which the process output is streamed to the sink.
func (p *Process) TraceID() string {
	return p.traceID
}

// Output returns the buffer receiving combined stdout and stderr.
func (p *Process) Output() *LogBuffer {
	return p.output
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited and with which code.
// Processes killed by a signal report -1.
func (p *Process) Exited() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Terminate sends SIGTERM to the process group, then SIGKILL if the process
// is still alive after grace. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) error {
	if _, exited := p.Exited(); exited {
		return nil
	}

	if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	<-p.done
	return nil
}

// startProcess starts cmd with combined output drained into a new buffer.
// Every line is tagged with source and also passed to sink under traceID.
func startProcess(cmd *exec.Cmd, source, traceID string, capacity int, sink OutputSink, logger *slog.Logger) (*Process, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	writer.Close()

	proc := &Process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		traceID: traceID,
		output:  NewLogBuffer(capacity),
		done:    make(chan struct{}),
	}
	if sink != nil {
		proc.output.AddCallback(func(entry ProcessLogEntry) {
			if err := sink.RecordOutput(traceID, entry.Message); err != nil {
				logger.Warn("Failed to record process output", "traceID", traceID, "error", err)
			}
		})
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainOutput(reader, proc, source, logger)
	}()

	go func() {
		err := cmd.Wait()
		select {
		case <-drained:
		case <-time.After(drainGrace):
		}

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		proc.mu.Lock()
		proc.exited = true
		proc.exitCode = code
		proc.mu.Unlock()
		close(proc.done)
		logger.Info("Process exited", "pid", proc.pid, "traceID", traceID, "exitCode", code)
	}()

	return proc, nil
}

func drainOutput(reader io.ReadCloser, proc *Process, source string, logger *slog.Logger) {
	defer reader.Close()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		proc.output.AddEntry(source, line, proc.pid)
		logger.Debug("Subprocess output", "traceID", proc.traceID, "pid", proc.pid, "output", line)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Error reading output from subprocess", "traceID", proc.traceID, "pid", proc.pid, "error", err)
	}
}
