package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/config"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
	"github.com/randomizedcoder/go-trampoline/internal/trampoline"
)

// exitBudgetExhausted is returned by supervise when the slot restarted too
// often.
const exitBudgetExhausted = 3

func newSuperviseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the supervisor for one slot",
		Long: `Launch the slot's worker and keep it alive. The command returns when the
worker shuts down cleanly, an operator halts the slot (SIGINT, SIGTERM or
POST /api/v1/halt), or the restart budget is exhausted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSupervise(cmd)
		},
	}

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.String("mode", d.Mode, "worker mode: exec or inprocess")
	f.String("worker-binary", d.WorkerBinary, "worker executable (default: this binary's worker command)")
	f.StringSlice("worker-args", d.WorkerArgs, "arguments for worker-binary")
	f.Int("max-restarts", d.MaxRestarts, "restarts allowed per window (0 = unlimited)")
	f.Duration("restart-window", d.RestartWindow, "sliding window for max-restarts")
	f.Duration("backoff-initial", d.BackoffInitial, "first restart delay")
	f.Duration("backoff-max", d.BackoffMax, "restart delay cap")
	f.Float64("backoff-multiply", d.BackoffMultiply, "delay growth per consecutive crash")
	f.Float64("backoff-jitter", d.BackoffJitter, "jitter as a fraction of the delay (0-1)")
	f.Int64("seed", d.Seed, "jitter seed (0 = time based)")
	f.Duration("stop-timeout", d.StopTimeout, "grace period before a worker is killed")
	f.Duration("launch-timeout", d.LaunchTimeout, "how long a launch may take")
	f.Int("history-size", d.HistorySize, "exit reports kept in memory")
	f.Duration("probe-interval", d.ProbeInterval, "background liveness probe interval (0 disables)")
	f.String("journal-path", d.JournalPath, "SQLite exit journal (empty disables)")
	f.String("status-file", d.StatusFile, "JSON status snapshot written on every state change")
	f.Bool("skip-preflight", d.SkipPreflight, "skip startup checks")
	return cmd
}

func (a *app) runSupervise(cmd *cobra.Command) error {
	cfg := a.cfg
	out := cmd.OutOrStdout()

	a.logger.Info("starting",
		"version", a.version,
		"slot", cfg.Slot,
		"mode", cfg.Mode,
		"transport", cfg.Transport,
		"max_restarts", cfg.MaxRestarts,
		"restart_window", cfg.RestartWindow,
		"diagnostics_addr", cfg.DiagnosticsAddr,
	)
	printBanner(out, cfg)

	tr, err := trampoline.New(cmd.Context(), cfg, a.logger,
		trampoline.WithVersion(a.version),
		trampoline.WithOutput(out),
	)
	if err != nil {
		return err
	}

	err = tr.Run(cmd.Context())
	if errors.Is(err, supervisor.ErrRestartBudgetExhausted) {
		a.logger.Error("restart_budget_exhausted", "error", err)
		return &ExitError{Code: exitBudgetExhausted, Err: err}
	}
	if err != nil {
		a.logger.Error("supervisor_failed", "error", err)
	}
	return err
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                          go-trampoline                            ║")
	fmt.Fprintln(w, "║          Crash-recovering supervisor for a worker slot            ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Slot:        %s (%s mode)\n", cfg.Slot, cfg.Mode)
	fmt.Fprintf(w, "  Transport:   %s\n", transportTarget(cfg))
	if cfg.MaxRestarts > 0 {
		fmt.Fprintf(w, "  Budget:      %d restarts per %s\n", cfg.MaxRestarts, cfg.RestartWindow)
	} else {
		fmt.Fprintln(w, "  Budget:      unlimited")
	}
	fmt.Fprintf(w, "  Backoff:     %s → %s (x%.1f, ±%.0f%%)\n",
		cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiply, cfg.BackoffJitter*50)
	if cfg.DiagnosticsAddr != "" {
		fmt.Fprintf(w, "  Diagnostics: http://%s/api/v1/slot\n", cfg.DiagnosticsAddr)
	}
	if cfg.JournalPath != "" {
		fmt.Fprintf(w, "  Journal:     %s\n", cfg.JournalPath)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}

func transportTarget(cfg *config.Config) string {
	switch cfg.Transport {
	case "nats":
		return "nats " + cfg.NATSURL
	case "redis":
		return fmt.Sprintf("redis %s db %d", cfg.RedisAddr, cfg.RedisDB)
	default:
		return cfg.Transport
	}
}
