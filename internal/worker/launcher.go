package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// panicExitCode mirrors the status of a Go program that dies from a panic.
const panicExitCode = 2

// InProcessLauncher runs each worker instance as a goroutine sharing the
// supervisor's transport. It lets the supervisor run without spawning
// processes.
type InProcessLauncher struct {
	Transport  transport.Transport
	Prefix     string
	CrashToken string
	Logger     *slog.Logger
}

// Name returns "inprocess".
func (l *InProcessLauncher) Name() string {
	return "inprocess"
}

// Launch starts a Runtime and returns once its subscription is live.
func (l *InProcessLauncher) Launch(ctx context.Context, req supervisor.LaunchRequest) (supervisor.Process, error) {
	rt, err := New(Config{
		Slot:       req.Slot,
		InstanceID: req.InstanceID,
		Prefix:     l.Prefix,
		CrashToken: l.CrashToken,
		Transport:  l.Transport,
		Logger:     l.Logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &inProcess{runtime: rt, cancel: cancel, done: make(chan struct{})}
	go p.run(runCtx, l.logger())

	select {
	case <-rt.Ready():
		return p, nil
	case <-p.done:
		if p.err != nil {
			return nil, fmt.Errorf("worker exited during startup: %w", p.err)
		}
		return nil, fmt.Errorf("worker exited during startup: %s", p.status)
	case <-ctx.Done():
		cancel()
		<-p.done
		return nil, ctx.Err()
	}
}

func (l *InProcessLauncher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

type inProcess struct {
	runtime *Runtime
	cancel  context.CancelFunc

	done   chan struct{}
	status exitstatus.Status
	err    error

	stopOnce sync.Once
}

func (p *inProcess) run(ctx context.Context, logger *slog.Logger) {
	defer close(p.done)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("worker_panic", "slot", p.runtime.cfg.Slot, "panic", v)
			p.status = exitstatus.Exited(panicExitCode)
			p.err = fmt.Errorf("panic: %v", v)
		}
	}()

	code, err := p.runtime.Run(ctx)
	p.status = exitstatus.Exited(code)
	p.err = err
}

// PID is always 0 for goroutine workers.
func (p *inProcess) PID() int { return 0 }

func (p *inProcess) Wait() exitstatus.Status {
	<-p.done
	return p.status
}

// Stop cancels the runtime's context, which it treats as a clean shutdown.
func (p *inProcess) Stop(timeout time.Duration) error {
	p.stopOnce.Do(p.cancel)
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.New("worker goroutine did not stop")
	}
}

var (
	_ supervisor.Launcher = (*InProcessLauncher)(nil)
	_ supervisor.Process  = (*inProcess)(nil)
)
