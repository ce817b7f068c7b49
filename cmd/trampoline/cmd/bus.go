package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/probe"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

func newCrashCmd(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "crash",
		Short: "Tell the slot's worker to crash",
		Long: `Publish a crash command on the slot's control subject. The worker exits
with the triggered-crash status and the supervisor restarts it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = a.cfg.CrashToken
			}
			return a.publish(cmd, transport.KindCrash, token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "crash token (default: configured crash_token)")
	return cmd
}

func newShutdownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Tell the slot's worker to exit cleanly",
		Long:  "Publish a shutdown command. A clean exit halts supervision of the slot.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.publish(cmd, transport.KindShutdown, "")
		},
	}
}

func (a *app) publish(cmd *cobra.Command, kind transport.Kind, token string) error {
	cfg := a.cfg
	logger := a.quietLogger(cmd.ErrOrStderr())

	tr, err := transport.Open(cmd.Context(), cfg.TransportOptions(logger))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	host, _ := os.Hostname()
	subject := transport.ControlSubject(cfg.SubjectPrefix, cfg.Slot)
	msg := transport.Message{
		Kind:   kind,
		Slot:   cfg.Slot,
		Token:  token,
		From:   "cli@" + host,
		SentAt: time.Now(),
	}
	if err := tr.Publish(cmd.Context(), subject, msg); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s via %s\n", kind, subject, tr.Name())
	return nil
}

func newProbeCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether the slot's worker answers",
		Long: `Send a ping on the slot's control subject and wait for the pong. With
--wait, keep probing until the worker answers or the wait runs out.

Exits 0 when reachable and 1 when not.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runProbe(cmd, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep probing for up to this long")
	return cmd
}

func (a *app) runProbe(cmd *cobra.Command, wait time.Duration) error {
	cfg := a.cfg
	logger := a.quietLogger(cmd.ErrOrStderr())

	tr, err := transport.Open(cmd.Context(), cfg.TransportOptions(logger))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	host, _ := os.Hostname()
	p := probe.New(probe.Config{
		Transport: tr,
		Prefix:    cfg.SubjectPrefix,
		Timeout:   cfg.ProbeTimeout,
		From:      "cli@" + host,
		Logger:    logger,
	})

	var r probe.Result
	if wait > 0 {
		r, err = p.WaitReachable(cmd.Context(), cfg.Slot, wait)
	} else {
		r, err = p.Probe(cmd.Context(), cfg.Slot)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !r.Reachable {
		fmt.Fprintf(out, "slot %s: unreachable (no pong within %s)\n", r.Slot, cfg.ProbeTimeout)
		return &ExitError{Code: 1}
	}
	fmt.Fprintf(out, "slot %s: reachable, instance %s, %s\n", r.Slot, r.Responder, r.Latency.Round(time.Microsecond))
	return nil
}
