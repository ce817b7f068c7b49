package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines kept per worker.
	MaxBufferedLines = 100

	// DefaultTailLines is how many lines are attached to an exit report.
	DefaultTailLines = 20
)

// StderrHandler consumes a worker's stderr. It keeps the most recent lines
// for exit reports and forwards them to the logger.
type StderrHandler struct {
	slot    string
	pid     int
	logger  *slog.Logger
	verbose bool

	// circular buffer of recent lines
	mu     sync.Mutex
	buffer []string
	bufIdx int
	total  int
}

// NewStderrHandler creates a stderr handler for one worker process.
func NewStderrHandler(slot string, pid int, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		slot:    slot,
		pid:     pid,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads r line by line until EOF or a read error. Run it in a
// goroutine. Lines longer than MaxLineLength are truncated, and the rest of
// such a line is still consumed so the writer never blocks on a full pipe.
func (h *StderrHandler) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, MaxLineLength)
	line := make([]byte, 0, MaxLineLength)

	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				h.HandleLine(string(line))
			}
			return
		}
		if len(line) <= MaxLineLength {
			line = append(line, chunk...)
		}
		if more {
			continue
		}
		h.HandleLine(string(line))
		line = line[:0]
	}
}

// HandleLine processes a single line of stderr output.
func (h *StderrHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.total++
	pid := h.pid
	h.mu.Unlock()

	level := classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(context.Background(), level, "worker_stderr",
		"slot", h.slot,
		"pid", pid,
		"line", line,
	)
}

// classifyLine maps a line of Go runtime or application output to a level.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.HasPrefix(line, "panic:"),
		strings.HasPrefix(line, "fatal error:"),
		strings.Contains(line, "SIGSEGV"),
		strings.Contains(lower, "level=error"),
		strings.Contains(lower, `"level":"error"`):
		return slog.LevelError
	case strings.Contains(lower, "level=warn"),
		strings.Contains(lower, `"level":"warn"`),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout"):
		return slog.LevelWarn
	case strings.HasPrefix(line, "goroutine "),
		strings.HasPrefix(line, "\t"):
		return slog.LevelDebug
	}
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.total {
		n = h.total
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// StderrTail returns the lines attached to an exit report.
func (h *StderrHandler) StderrTail() []string {
	return h.RecentLines(DefaultTailLines)
}
