// Package process launches workers as child processes.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/randomizedcoder/go-trampoline/internal/logging"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// Environment variables passed to every launched worker.
const (
	EnvSlot       = "TRAMPOLINE_SLOT"
	EnvInstanceID = "TRAMPOLINE_INSTANCE_ID"
	EnvGeneration = "TRAMPOLINE_GENERATION"
)

// Config holds configuration for launching worker processes.
type Config struct {
	// Binary is the worker executable. A bare name is resolved through PATH.
	Binary string

	// Args are passed to the binary unchanged.
	Args []string

	// Env is appended to the supervisor's own environment.
	Env []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// Stdout receives the worker's standard output. nil discards it.
	Stdout io.Writer

	// Verbose forwards every stderr line to the log, not only warnings.
	Verbose bool

	Logger *slog.Logger
}

// ExecLauncher implements supervisor.Launcher with os/exec.
type ExecLauncher struct {
	cfg Config
}

// NewExecLauncher creates a launcher for cfg.
func NewExecLauncher(cfg Config) *ExecLauncher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExecLauncher{cfg: cfg}
}

// Name returns a human-readable name for this launcher.
func (l *ExecLauncher) Name() string {
	return "exec:" + filepath.Base(l.cfg.Binary)
}

// Binary returns the configured worker executable.
func (l *ExecLauncher) Binary() string {
	return l.cfg.Binary
}

// BuildCommand returns a ready-to-start command for req. The command is not
// bound to a context: the launch timeout must not kill a running worker.
func (l *ExecLauncher) BuildCommand(req supervisor.LaunchRequest) *exec.Cmd {
	cmd := exec.Command(l.cfg.Binary, l.cfg.Args...)
	cmd.Dir = l.cfg.Dir
	cmd.Stdout = l.cfg.Stdout

	env := append(os.Environ(), l.cfg.Env...)
	env = append(env,
		EnvSlot+"="+req.Slot,
		EnvInstanceID+"="+req.InstanceID,
		EnvGeneration+"="+strconv.Itoa(req.Generation),
	)
	cmd.Env = env

	// Own process group so Stop reaches any children as well.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Launch starts a worker process.
func (l *ExecLauncher) Launch(ctx context.Context, req supervisor.LaunchRequest) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := l.BuildCommand(req)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.cfg.Binary, err)
	}

	pid := cmd.Process.Pid
	handler := logging.NewStderrHandler(req.Slot, pid, l.cfg.Logger, l.cfg.Verbose)
	p := newProcess(cmd, handler, l.cfg.Logger.With("slot", req.Slot, "pid", pid))
	go p.run(stderr)

	return p, nil
}

var _ supervisor.Launcher = (*ExecLauncher)(nil)
