package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/trampoline"
)

const clientTimeout = 5 * time.Second

func newStatusCmd(a *app) *cobra.Command {
	var (
		output     string
		statusFile string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the slot's supervisor state",
		Long: `Query a running supervisor's diagnostics endpoint for the slot state.
With --status-file, read the snapshot the supervisor writes instead; this
also works after the supervisor has exited.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}

			var st diagnostics.SlotStatus
			if statusFile != "" {
				snap, err := trampoline.ReadStatusFile(statusFile)
				if err != nil {
					return err
				}
				st.Snapshot = snap
			} else {
				var err error
				client := diagnostics.NewClient(a.cfg.DiagnosticsAddr, clientTimeout)
				if st, err = client.Status(cmd.Context()); err != nil {
					return err
				}
			}
			return renderStatus(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	cmd.Flags().StringVar(&statusFile, "status-file", "", "read a status snapshot file instead of the endpoint")
	return cmd
}

func renderStatus(w io.Writer, format string, st diagnostics.SlotStatus) error {
	switch format {
	case outputJSON:
		return writeJSON(w, st)
	case outputYAML:
		return writeYAML(w, st)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	rows := [][]string{
		{"Slot", st.Slot},
		{"State", st.State.String()},
		{"Since", st.Since.Format(time.RFC3339)},
		{"Launcher", st.Launcher},
		{"Generation", fmt.Sprint(st.Generation)},
		{"Restarts", fmt.Sprint(st.Restarts)},
		{"Budget", budgetString(st.BudgetUsed, st.MaxRestarts, st.Window)},
	}
	if h := st.Handle; h != nil {
		rows = append(rows,
			[]string{"Instance", h.ID},
			[]string{"PID", fmt.Sprint(h.PID)},
			[]string{"Started", h.StartedAt.Format(time.RFC3339)},
		)
	}
	if u := st.Usage; u != nil && u.Running {
		rows = append(rows,
			[]string{"RSS", fmt.Sprintf("%d bytes", u.RSSBytes)},
			[]string{"CPU", fmt.Sprintf("%.1f%%", u.CPUPercent)},
		)
	}
	if p := st.Probe; p != nil {
		rows = append(rows, []string{"Probes", fmt.Sprintf("%d reachable, %d unreachable, p99 %s", p.Reachable, p.Unreachable, p.P99)})
	}
	if r := st.LastExit; r != nil {
		rows = append(rows, []string{"Last exit", fmt.Sprintf("%s %s (%s)", r.Status, exitstatus.Label(r.Status), r.Cause)})
	}

	for _, row := range rows {
		if err := table.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

func budgetString(used, max int, window time.Duration) string {
	if max <= 0 {
		return "unlimited"
	}
	span := "lifetime"
	if window > 0 {
		span = window.String()
	}
	return fmt.Sprintf("%d/%d per %s", used, max, span)
}
