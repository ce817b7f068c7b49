package supervisor

import (
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
)

// DefaultHistorySize is the number of ExitReports kept per slot.
const DefaultHistorySize = 32

// ExitReport is the immutable record of one terminated worker.
type ExitReport struct {
	HandleID   string            `json:"handle_id"`
	Slot       string            `json:"slot"`
	PID        int               `json:"pid"`
	Generation int               `json:"generation"`
	Status     exitstatus.Status `json:"status"`
	Cause      exitstatus.Cause  `json:"cause"`
	Uptime     time.Duration     `json:"uptime"`
	At         time.Time         `json:"at"`
	StderrTail []string          `json:"stderr_tail,omitempty"`
}

// history is a fixed-size ring of ExitReports. It is not synchronized; the
// supervisor's mutex guards it.
type history struct {
	buf   []ExitReport
	next  int
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{buf: make([]ExitReport, size)}
}

func (h *history) add(r ExitReport) {
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// list returns the reports oldest first.
func (h *history) list() []ExitReport {
	out := make([]ExitReport, 0, h.count)
	start := (h.next - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

func (h *history) last() (ExitReport, bool) {
	if h.count == 0 {
		return ExitReport{}, false
	}
	return h.buf[(h.next-1+len(h.buf))%len(h.buf)], true
}
