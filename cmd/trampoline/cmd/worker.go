package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/logging"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
	"github.com/randomizedcoder/go-trampoline/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker instance (launched by supervise in exec mode)",
		Long: `Serve the slot's control subject until told to exit. A crash command
exits with status 86, a shutdown command or SIGTERM exits 0.

The supervisor passes the slot, instance id and transport settings through
TRAMPOLINE_* environment variables.`,
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd)
		},
	}
}

func (a *app) runWorker(cmd *cobra.Command) error {
	cfg := a.cfg
	// Worker logs go to stderr, where the supervisor classifies them.
	logger := logging.NewLoggerWithWriter(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tr, err := transport.Open(ctx, cfg.TransportOptions(logger))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	rt, err := worker.New(worker.Config{
		Slot:       cfg.Slot,
		InstanceID: os.Getenv(process.EnvInstanceID),
		Prefix:     cfg.SubjectPrefix,
		CrashToken: cfg.CrashToken,
		Transport:  tr,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	code, err := rt.Run(ctx)
	if err != nil {
		return &ExitError{Code: code, Err: err}
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
