package trampoline

import (
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
)

// printExitSummary prints a summary of the supervision run.
func (t *Trampoline) printExitSummary() {
	summary := t.metrics.GenerateSummary()
	snap := t.supervisor.Snapshot()
	w := t.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                       go-trampoline Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Slot:                   %s\n", summary.Slot)
	fmt.Fprintf(w, "Launcher:               %s\n", snap.Launcher)
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Final State:            %s\n", snap.State)
	fmt.Fprintln(w)

	if summary.UptimeP50 > 0 || summary.UptimeP95 > 0 {
		fmt.Fprintln(w, "Worker Uptime:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  P95:                  %s\n", formatDuration(summary.UptimeP95))
		fmt.Fprintf(w, "  P99:                  %s\n", formatDuration(summary.UptimeP99))
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Lifecycle:")
	fmt.Fprintf(w, "  Total Launches:       %d\n", summary.TotalLaunches)
	fmt.Fprintf(w, "  Total Restarts:       %d\n", summary.TotalRestarts)
	if summary.Fatal {
		fmt.Fprintf(w, "  Restart budget:       EXHAUSTED (%d in %s)\n", snap.MaxRestarts, snap.Window)
	}
	fmt.Fprintln(w)

	if len(summary.Causes) > 0 {
		fmt.Fprintln(w, "Exit Causes:")
		for _, cause := range exitstatus.Causes() {
			if n := summary.Causes[cause]; n > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", cause, n)
			}
		}
		fmt.Fprintln(w)
	}

	if len(summary.ExitCodes) > 0 {
		fmt.Fprintln(w, "Exit Codes:")
		codes := make([]int, 0, len(summary.ExitCodes))
		for code := range summary.ExitCodes {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), summary.ExitCodes[code])
		}
		fmt.Fprintln(w)
	}

	if stats := t.prober.Stats(); stats.Reachable+stats.Unreachable > 0 {
		fmt.Fprintln(w, "Liveness Probes:")
		fmt.Fprintf(w, "  Reachable:            %d\n", stats.Reachable)
		fmt.Fprintf(w, "  Unreachable:          %d\n", stats.Unreachable)
		fmt.Fprintf(w, "  Latency P50/P99:      %s / %s\n", stats.P50, stats.P99)
		fmt.Fprintln(w)
	}

	if t.config.DiagnosticsAddr != "" {
		fmt.Fprintf(w, "Diagnostics endpoint was: http://%s/\n", t.config.DiagnosticsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
// Codes above 128 follow the shell convention for signals.
func exitCodeLabel(code int) string {
	if code > 128 && code <= 128+64 {
		return exitstatus.Label(exitstatus.Killed(syscall.Signal(code - 128)))
	}
	return exitstatus.Label(exitstatus.Exited(code))
}
