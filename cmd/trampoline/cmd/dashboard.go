package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/tui"
)

func newDashboardCmd(a *app) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live terminal dashboard for a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := diagnostics.NewClient(a.cfg.DiagnosticsAddr, clientTimeout)
			model := tui.New(tui.Config{
				Addr:    client.BaseURL(),
				Source:  client,
				Refresh: refresh,
			})
			p := tea.NewProgram(model,
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefresh, "poll interval")
	return cmd
}
