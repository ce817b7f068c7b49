// Package cmd implements the go-trampoline command tree.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/config"
	"github.com/randomizedcoder/go-trampoline/internal/logging"

	// Register the broker transports with transport.Open.
	_ "github.com/randomizedcoder/go-trampoline/internal/transport/natstransport"
	_ "github.com/randomizedcoder/go-trampoline/internal/transport/redistransport"
)

// ExitError carries a specific process exit status out of Execute.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// app is the state shared by every subcommand of one invocation.
type app struct {
	version string
	cfgFile string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "trampoline",
		Short: "Crash-recovering supervisor for a single worker slot",
		Long: `go-trampoline launches a worker for a slot, watches it exit, classifies
the exit (clean shutdown, triggered crash or unexpected fault) and restarts it
with jittered backoff until its restart budget is spent or it is halted.

Workers listen on a message bus (memory, NATS or Redis) for crash, shutdown
and ping commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	d := config.DefaultConfig()
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	pf.String("slot", d.Slot, "logical worker slot")
	pf.String("transport", d.Transport, "message bus: memory, nats or redis")
	pf.String("nats-url", d.NATSURL, "NATS server URL")
	pf.String("redis-addr", d.RedisAddr, "Redis address (host:port)")
	pf.Int("redis-db", d.RedisDB, "Redis database number")
	pf.String("subject-prefix", d.SubjectPrefix, "prefix of control and ack subjects")
	pf.String("crash-token", d.CrashToken, "token a crash command must carry")
	pf.Duration("probe-timeout", d.ProbeTimeout, "how long to wait for a pong")
	pf.String("diagnostics-addr", d.DiagnosticsAddr, "diagnostics HTTP address (empty disables)")
	pf.String("log-format", d.LogFormat, "log format: json or text")
	pf.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	pf.BoolP("verbose", "v", d.Verbose, "debug logging and worker stderr passthrough")

	root.AddCommand(
		newSuperviseCmd(a),
		newWorkerCmd(a),
		newCrashCmd(a),
		newShutdownCmd(a),
		newProbeCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newDashboardCmd(a),
		newVersionCmd(a),
	)
	return root
}

// load resolves the configuration for cmd: flags over TRAMPOLINE_* env over
// the config file over defaults.
func (a *app) load(cmd *cobra.Command) error {
	loader := config.NewLoader().WithConfigFile(a.cfgFile)
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	logging.SetDefault(a.logger)
	return nil
}

// quietLogger is used by commands whose output is meant for a terminal.
func (a *app) quietLogger(w io.Writer) *slog.Logger {
	if a.cfg.Verbose {
		return a.logger
	}
	return logging.NewLoggerWithWriter(w, a.cfg.LogFormat, "error")
}
