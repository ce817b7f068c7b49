// Package trampoline assembles a supervised slot from configuration: the
// transport, the worker launcher, the supervisor and everything that
// observes it (metrics, journal, liveness probes, diagnostics server and
// status file).
package trampoline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-trampoline/internal/config"
	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/journal"
	"github.com/randomizedcoder/go-trampoline/internal/logging"
	"github.com/randomizedcoder/go-trampoline/internal/metrics"
	"github.com/randomizedcoder/go-trampoline/internal/preflight"
	"github.com/randomizedcoder/go-trampoline/internal/probe"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
	"github.com/randomizedcoder/go-trampoline/internal/worker"
)

// usageInterval is how often worker resource usage is sampled.
const usageInterval = 5 * time.Second

// Trampoline coordinates all components for one slot.
type Trampoline struct {
	config  *config.Config
	logger  *slog.Logger
	out     io.Writer
	version string

	transport     transport.Transport
	ownsTransport bool
	launcher      supervisor.Launcher
	supervisor    *supervisor.Supervisor
	metrics       *metrics.Collector
	prober        *probe.Prober
	journal       *journal.Journal
	recorder      *journal.Recorder
	diagnostics   *diagnostics.Server
	status        *StatusFile

	signals   bool
	startTime time.Time
}

// Option configures a Trampoline.
type Option func(*Trampoline)

// WithTransport uses tr instead of opening one from the config. The caller
// keeps ownership of tr.
func WithTransport(tr transport.Transport) Option {
	return func(t *Trampoline) { t.transport = tr }
}

// WithLauncher overrides the launcher chosen from the config mode.
func WithLauncher(l supervisor.Launcher) Option {
	return func(t *Trampoline) { t.launcher = l }
}

// WithOutput sends the exit summary and preflight report to w.
func WithOutput(w io.Writer) Option {
	return func(t *Trampoline) { t.out = w }
}

// WithVersion sets the version reported in metrics.
func WithVersion(v string) Option {
	return func(t *Trampoline) { t.version = v }
}

// WithoutSignals disables SIGINT/SIGTERM handling.
func WithoutSignals() Option {
	return func(t *Trampoline) { t.signals = false }
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Trampoline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trampoline{
		config:  cfg,
		logger:  logger,
		out:     os.Stdout,
		version: "dev",
		signals: true,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if t.transport == nil {
		tr, err := transport.Open(ctx, cfg.TransportOptions(logger))
		if err != nil {
			return nil, fmt.Errorf("open transport: %w", err)
		}
		t.transport = tr
		t.ownsTransport = true
	}

	if t.launcher == nil {
		l, err := t.newLauncher()
		if err != nil {
			t.closeOwned()
			return nil, err
		}
		t.launcher = l
	}

	registry := metrics.NewRegistry()
	t.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Slot:     cfg.Slot,
		Launcher: t.launcher.Name(),
		Version:  t.version,
	}, registry)

	t.prober = probe.New(probe.Config{
		Transport: t.transport,
		Prefix:    cfg.SubjectPrefix,
		Timeout:   cfg.ProbeTimeout,
		From:      "supervisor-" + cfg.Slot,
		Logger:    logging.ForSlot(logger, "probe", cfg.Slot),
		OnResult:  t.metrics.RecordProbe,
	})

	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath, logger)
		if err != nil {
			t.closeOwned()
			return nil, err
		}
		t.journal = j
		t.recorder = j.NewRecorder(journal.DefaultRecorderBuffer)
	}

	if cfg.StatusFile != "" {
		t.status = NewStatusFile(cfg.StatusFile, logger)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = supervisor.SeedFromTime()
	}
	t.supervisor = supervisor.New(supervisor.Config{
		Slot:      cfg.Slot,
		Launcher:  t.launcher,
		Policy:    cfg.RestartPolicy(),
		Seed:      seed,
		History:   cfg.HistorySize,
		Logger:    logger,
		Callbacks: t.callbacks(),
	})

	if cfg.DiagnosticsAddr != "" {
		dcfg := diagnostics.DefaultConfig()
		dcfg.Addr = cfg.DiagnosticsAddr
		dopts := []diagnostics.Option{
			diagnostics.WithGatherer(registry),
			diagnostics.WithProbeStats(t.prober),
		}
		if t.journal != nil {
			dopts = append(dopts, diagnostics.WithJournal(t.journal))
		}
		t.diagnostics = diagnostics.NewServer(dcfg, t.supervisor, logging.ForSlot(logger, "diagnostics", cfg.Slot), dopts...)
	}

	return t, nil
}

// newLauncher picks the launcher for the configured mode.
func (t *Trampoline) newLauncher() (supervisor.Launcher, error) {
	cfg := t.config
	if cfg.Mode == config.ModeInProcess {
		return &worker.InProcessLauncher{
			Transport:  t.transport,
			Prefix:     cfg.SubjectPrefix,
			CrashToken: cfg.CrashToken,
			Logger:     t.logger,
		}, nil
	}

	binary, args := cfg.WorkerBinary, cfg.WorkerArgs
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable for worker mode: %w", err)
		}
		binary = self
		if len(args) == 0 {
			args = []string{"worker"}
		}
	}

	return process.NewExecLauncher(process.Config{
		Binary:  binary,
		Args:    args,
		Env:     WorkerEnv(cfg),
		Verbose: cfg.Verbose,
		Logger:  t.logger,
	}), nil
}

// WorkerEnv is the environment an exec worker needs to reach the same
// transport as its supervisor.
func WorkerEnv(cfg *config.Config) []string {
	env := func(key, value string) string {
		return config.EnvPrefix + "_" + key + "=" + value
	}
	return []string{
		env("TRANSPORT", cfg.Transport),
		env("NATS_URL", cfg.NATSURL),
		env("REDIS_ADDR", cfg.RedisAddr),
		env("REDIS_PASSWORD", cfg.RedisPassword),
		env("REDIS_DB", strconv.Itoa(cfg.RedisDB)),
		env("SUBJECT_PREFIX", cfg.SubjectPrefix),
		env("CRASH_TOKEN", cfg.CrashToken),
		env("LOG_FORMAT", cfg.LogFormat),
		env("LOG_LEVEL", cfg.LogLevel),
	}
}

// callbacks fans supervisor events out to every observer.
func (t *Trampoline) callbacks() supervisor.Callbacks {
	m := t.metrics.Callbacks()

	return supervisor.Callbacks{
		OnStateChange: func(slot string, from, to supervisor.State) {
			m.OnStateChange(slot, from, to)
			if t.status != nil && t.supervisor != nil {
				t.status.Write(t.supervisor.Snapshot())
			}
		},
		OnLaunch: func(info supervisor.HandleInfo) {
			m.OnLaunch(info)
			if t.config.Verbose {
				t.logger.Debug("worker_handle", "handle", info.ID, "pid", info.PID, "generation", info.Generation)
			}
		},
		OnExit: func(r supervisor.ExitReport) {
			m.OnExit(r)
			if t.recorder != nil {
				t.recorder.Record(r)
			}
		},
		OnRestart: m.OnRestart,
		OnFatal:   m.OnFatal,
	}
}

// Run supervises the slot until it halts. It returns the supervisor's
// result: nil after a clean shutdown or halt, a *supervisor.BudgetExhaustedError
// when restarts ran out, or the context error on cancellation.
func (t *Trampoline) Run(ctx context.Context) error {
	t.startTime = time.Now()
	defer t.closeOwned()

	if !t.config.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Options{
			WorkerBinary:    t.preflightBinary(),
			Transport:       t.config.TransportOptions(t.logger),
			DiagnosticsAddr: t.config.DiagnosticsAddr,
			JournalPath:     t.config.JournalPath,
		})
		preflight.PrintResults(t.out, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override): %w", result.Err())
		}
	}

	var ln net.Listener
	if t.diagnostics != nil {
		var err error
		if ln, err = t.diagnostics.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	// aux is cancelled as soon as the supervisor returns.
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer stopAux()
		return t.supervisor.Run(gctx)
	})

	if ln != nil {
		g.Go(func() error { return t.diagnostics.Serve(auxCtx, ln) })
	}
	if t.config.ProbeInterval > 0 {
		g.Go(func() error { t.probeLoop(auxCtx); return nil })
	}
	g.Go(func() error { t.sampleUsage(auxCtx); return nil })
	if t.signals {
		g.Go(func() error { t.watchSignals(auxCtx); return nil })
	}

	err := g.Wait()
	t.printExitSummary()
	return err
}

func (t *Trampoline) preflightBinary() string {
	if t.config.Mode != config.ModeExec {
		return ""
	}
	if l, ok := t.launcher.(*process.ExecLauncher); ok {
		return l.Binary()
	}
	return ""
}

// watchSignals turns SIGINT/SIGTERM into a graceful halt.
func (t *Trampoline) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		t.logger.Info("received_signal", "signal", sig.String())
		t.supervisor.Halt()
	case <-ctx.Done():
	}
}

// probeLoop probes the slot while a worker is running.
func (t *Trampoline) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if t.supervisor.State() != supervisor.StateRunning {
			continue
		}
		r, err := t.prober.Probe(ctx, t.config.Slot)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("probe_failed", "error", err)
			}
			continue
		}
		if !r.Reachable {
			t.logger.Warn("worker_unreachable", "slot", r.Slot, "timeout", t.config.ProbeTimeout.String())
		}
	}
}

// sampleUsage records the worker process's resource usage.
func (t *Trampoline) sampleUsage(ctx context.Context) {
	ticker := time.NewTicker(usageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h, ok := t.supervisor.Handle()
		if !ok || h.PID <= 0 {
			continue
		}
		u, err := process.ReadUsage(ctx, h.PID)
		if err != nil {
			t.logger.Debug("usage_sample_failed", "pid", h.PID, "error", err)
			continue
		}
		t.metrics.RecordUsage(u)
	}
}

func (t *Trampoline) closeOwned() {
	if t.recorder != nil {
		t.recorder.Close()
		t.recorder = nil
	}
	if t.journal != nil {
		if err := t.journal.Close(); err != nil {
			t.logger.Warn("journal_close_failed", "error", err)
		}
		t.journal = nil
	}
	if t.ownsTransport && t.transport != nil {
		if err := t.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			t.logger.Warn("transport_close_failed", "error", err)
		}
		t.ownsTransport = false
	}
}

// Supervisor returns the slot supervisor.
func (t *Trampoline) Supervisor() *supervisor.Supervisor {
	return t.supervisor
}

// Prober returns the liveness prober.
func (t *Trampoline) Prober() *probe.Prober {
	return t.prober
}

// Metrics returns the metrics collector.
func (t *Trampoline) Metrics() *metrics.Collector {
	return t.metrics
}

// Transport returns the transport in use.
func (t *Trampoline) Transport() transport.Transport {
	return t.transport
}
