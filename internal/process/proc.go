package process

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/logging"
)

// ErrForceKilled is returned by Stop when the worker ignored SIGTERM.
var ErrForceKilled = errors.New("process did not exit gracefully")

// ErrStopTimeout is returned by Stop when the worker was still not reaped one
// timeout after SIGKILL, typically because a descendant outside the process
// group keeps its stderr open.
var ErrStopTimeout = errors.New("process not reaped after SIGKILL")

// Process is a running worker child process.
type Process struct {
	cmd     *exec.Cmd
	stderr  *logging.StderrHandler
	logger  *slog.Logger
	started time.Time

	done   chan struct{}
	status exitstatus.Status

	stopMu sync.Mutex
}

func newProcess(cmd *exec.Cmd, stderr *logging.StderrHandler, logger *slog.Logger) *Process {
	return &Process{
		cmd:     cmd,
		stderr:  stderr,
		logger:  logger,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// run drains stderr, then reaps the process. Wait must not be called before
// all reads from the pipe have completed.
func (p *Process) run(stderr io.Reader) {
	p.stderr.HandleReader(stderr)
	err := p.cmd.Wait()
	p.status = exitstatus.FromWaitError(err)
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process has exited and returns its status.
func (p *Process) Wait() exitstatus.Status {
	<-p.done
	return p.status
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StderrTail returns the last lines the worker wrote to stderr.
func (p *Process) StderrTail() []string {
	return p.stderr.StderrTail()
}

// Stop gracefully stops the process group.
// It first sends SIGTERM, then SIGKILL if the process doesn't exit in time.
func (p *Process) Stop(timeout time.Duration) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	if p.Exited() {
		return nil
	}

	p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	p.logger.Warn("force_killing_process", "timeout", timeout.String())
	p.signalGroup(syscall.SIGKILL)

	select {
	case <-p.done:
		return ErrForceKilled
	case <-time.After(timeout):
	}
	p.logger.Error("process_not_reaped", "timeout", timeout.String())
	return ErrStopTimeout
}

func (p *Process) signalGroup(sig syscall.Signal) {
	pid := p.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return
		}
	}
	_ = p.cmd.Process.Signal(sig)
}
