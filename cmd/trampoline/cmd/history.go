package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/journal"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		output      string
		limit       int
		fromJournal bool
		dbPath      string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent worker exits",
		Long: `List the slot's recent exits, newest first.

By default the supervisor's in-memory history is queried. --journal asks the
supervisor for its persistent journal instead, and --db reads a journal file
directly without a running supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}

			var (
				reports []supervisor.ExitReport
				err     error
			)
			switch {
			case dbPath != "":
				reports, err = readJournal(cmd, a, dbPath, limit)
			case fromJournal:
				client := diagnostics.NewClient(a.cfg.DiagnosticsAddr, clientTimeout)
				reports, err = client.Journal(cmd.Context(), limit)
			default:
				client := diagnostics.NewClient(a.cfg.DiagnosticsAddr, clientTimeout)
				reports, err = client.History(cmd.Context(), limit)
				// The in-memory history is oldest first.
				reverse(reports)
			}
			if err != nil {
				return err
			}
			return renderHistory(cmd.OutOrStdout(), output, reports)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	f.IntVarP(&limit, "limit", "n", 20, "maximum number of exits")
	f.BoolVar(&fromJournal, "journal", false, "query the supervisor's persistent journal")
	f.StringVar(&dbPath, "db", "", "read this journal file directly")
	return cmd
}

func readJournal(cmd *cobra.Command, a *app, path string, limit int) ([]supervisor.ExitReport, error) {
	j, err := journal.Open(cmd.Context(), path, a.quietLogger(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.Recent(cmd.Context(), a.cfg.Slot, limit)
}

func reverse(reports []supervisor.ExitReport) {
	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
}

func renderHistory(w io.Writer, format string, reports []supervisor.ExitReport) error {
	switch format {
	case outputJSON:
		if reports == nil {
			reports = []supervisor.ExitReport{}
		}
		return writeJSON(w, reports)
	case outputYAML:
		return writeYAML(w, reports)
	}

	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "No exits recorded")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Time", "Slot", "Gen", "PID", "Status", "Cause", "Uptime", "Last stderr")
	for _, r := range reports {
		last := ""
		if n := len(r.StderrTail); n > 0 {
			last = r.StderrTail[n-1]
		}
		err := table.Append(
			r.At.Format(time.DateTime),
			r.Slot,
			fmt.Sprint(r.Generation),
			fmt.Sprint(r.PID),
			strings.TrimSpace(r.Status.String()+" "+exitstatus.Label(r.Status)),
			r.Cause.String(),
			r.Uptime.Round(time.Millisecond).String(),
			last,
		)
		if err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d exits\n", len(reports))
	return err
}
