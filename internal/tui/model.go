package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// DefaultRefresh is how often the dashboard polls the supervisor.
const DefaultRefresh = 500 * time.Millisecond

// historyRows is how many recent exits the history view requests.
const historyRows = 15

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to trigger a refresh.
type TickMsg time.Time

// StatusMsg carries the result of one poll.
type StatusMsg struct {
	Status  *diagnostics.SlotStatus
	History []supervisor.ExitReport
	Err     error
}

// HaltMsg reports the outcome of a halt request.
type HaltMsg struct {
	Err error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Source is where the dashboard reads slot state from. *diagnostics.Client
// implements it.
type Source interface {
	Status(ctx context.Context) (diagnostics.SlotStatus, error)
	History(ctx context.Context, limit int) ([]supervisor.ExitReport, error)
	Halt(ctx context.Context) error
}

// Model represents the TUI state.
type Model struct {
	addr    string
	source  Source
	refresh time.Duration
	timeout time.Duration

	status     *diagnostics.SlotStatus
	history    []supervisor.ExitReport
	lastErr    error
	haltErr    error
	startTime  time.Time
	lastUpdate time.Time

	historyView bool
	confirmHalt bool
	haltSent    bool

	width  int
	height int

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	// Addr is shown in the header; it is not dialed by the model.
	Addr    string
	Source  Source
	Refresh time.Duration
	// Timeout bounds each poll.
	Timeout time.Duration
}

// New creates a new TUI model.
func New(cfg Config) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return Model{
		addr:      cfg.Addr,
		source:    cfg.Source,
		refresh:   cfg.Refresh,
		timeout:   cfg.Timeout,
		startTime: time.Now(),
		width:     80,
		height:    24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init fetches immediately and starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(m.refresh))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.refresh))

	case StatusMsg:
		m.lastUpdate = time.Now()
		if msg.Err != nil {
			// Keep the last good status on screen, marked stale.
			m.lastErr = msg.Err
			return m, nil
		}
		m.lastErr = nil
		m.status = msg.Status
		if msg.History != nil {
			m.history = msg.History
		}
		return m, nil

	case HaltMsg:
		m.haltErr = msg.Err
		if msg.Err != nil {
			m.haltSent = false
		}
		return m, m.fetchCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if m.confirmHalt {
		m.confirmHalt = false
		if key == "y" {
			m.haltSent = true
			return m, m.haltCmd()
		}
		return m, nil
	}

	switch key {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "h":
		m.historyView = !m.historyView
		return m, m.fetchCmd()
	case "r":
		return m, m.fetchCmd()
	case "x":
		if !m.Halted() && !m.haltSent {
			m.confirmHalt = true
		}
		return m, nil
	}
	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.historyView {
		return m.renderHistoryView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchCmd polls the source. History is only requested while the history
// view is open.
func (m Model) fetchCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	src, timeout, wantHistory := m.source, m.timeout, m.historyView
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		st, err := src.Status(ctx)
		if err != nil {
			return StatusMsg{Err: err}
		}
		msg := StatusMsg{Status: &st}
		if wantHistory {
			hist, err := src.History(ctx, historyRows)
			if err != nil {
				return StatusMsg{Err: err}
			}
			msg.History = hist
		}
		return msg
	}
}

func (m Model) haltCmd() tea.Cmd {
	src, timeout := m.source, m.timeout
	return func() tea.Msg {
		if src == nil {
			return HaltMsg{Err: fmt.Errorf("no supervisor connection")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return HaltMsg{Err: src.Halt(ctx)}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Connected reports whether the last poll succeeded.
func (m Model) Connected() bool {
	return m.status != nil && m.lastErr == nil
}

// State returns the last seen slot state.
func (m Model) State() supervisor.State {
	if m.status == nil {
		return supervisor.StateIdle
	}
	return m.status.State
}

// Halted reports whether the slot has halted.
func (m Model) Halted() bool {
	return m.status != nil && m.status.State.IsTerminal()
}

// BudgetUsage returns the fraction of the restart budget spent in the
// current window, 0 when the budget is unlimited.
func (m Model) BudgetUsage() float64 {
	if m.status == nil || m.status.MaxRestarts <= 0 {
		return 0
	}
	return float64(m.status.BudgetUsed) / float64(m.status.MaxRestarts)
}

// WorkerUptime returns how long the current worker has been running.
func (m Model) WorkerUptime() time.Duration {
	if m.status == nil || m.status.Handle == nil || m.status.Handle.StartedAt.IsZero() {
		return 0
	}
	return time.Since(m.status.Handle.StartedAt)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n uint64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

func sinceOrZero(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

// shortID trims an instance id for narrow columns.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
