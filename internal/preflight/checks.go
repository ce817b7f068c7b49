// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Minimum resources a supervisor with one exec worker should have.
const (
	minFileDescriptors = 256
	minProcesses       = 64
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll checks.
type Options struct {
	// WorkerBinary is checked when non-empty (exec mode).
	WorkerBinary string

	// Transport is dialed and closed to prove the broker is reachable.
	Transport transport.Options

	// DiagnosticsAddr is bound and released when non-empty.
	DiagnosticsAddr string

	// JournalPath's directory must be writable when non-empty.
	JournalPath string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// Failed returns the checks that did not pass.
func (r *Result) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Err summarizes failed checks as one error, or nil.
func (r *Result) Err() error {
	var errs []error
	for _, c := range r.Failed() {
		errs = append(errs, fmt.Errorf("preflight %s: %s", c.Name, c.Message))
	}
	return errors.Join(errs...)
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 6),
		Passed: true,
	}

	result.add(checkFileDescriptors())
	result.add(checkProcessLimit())
	if opts.WorkerBinary != "" {
		result.add(checkWorkerBinary(opts.WorkerBinary))
	}
	result.add(checkTransport(ctx, opts.Transport))
	if opts.DiagnosticsAddr != "" {
		result.add(checkListenAddr(opts.DiagnosticsAddr))
	}
	if opts.JournalPath != "" {
		result.add(checkWritableDir(filepath.Dir(opts.JournalPath)))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(limit.Cur)
	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   actual >= minFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, minFileDescriptors),
	}
}

// checkProcessLimit verifies the supervisor can fork workers.
func checkProcessLimit() Check {
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: minProcesses,
		Actual:   actual,
		Passed:   actual >= minProcesses,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, minProcesses),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit from the contents
// of /proc/self/limits. 0 means not found.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		var n int
		if _, err := fmt.Sscanf(fields[2], "%d", &n); err != nil {
			return 0
		}
		return n
	}
	return 0
}

// checkWorkerBinary verifies the worker binary resolves to an executable.
func checkWorkerBinary(path string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "worker_binary",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	return Check{
		Name:    "worker_binary",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", resolved),
	}
}

// checkTransport dials the configured backend.
func checkTransport(ctx context.Context, opts transport.Options) Check {
	name := opts.Backend
	if name == "" {
		name = transport.BackendMemory
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tr, err := transport.Open(dialCtx, opts)
	if err != nil {
		return Check{
			Name:    "transport",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", name, err),
		}
	}
	_ = tr.Close()

	return Check{
		Name:    "transport",
		Passed:  true,
		Message: fmt.Sprintf("%s reachable", name),
	}
}

// checkListenAddr verifies the diagnostics address can be bound.
func checkListenAddr(addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "diagnostics_addr",
			Passed:  false,
			Message: fmt.Sprintf("cannot listen on %s: %v", addr, err),
		}
	}
	_ = ln.Close()
	return Check{
		Name:    "diagnostics_addr",
		Passed:  true,
		Message: fmt.Sprintf("%s available", addr),
	}
}

// checkWritableDir verifies dir exists (or can be created) and is writable.
func checkWritableDir(dir string) Check {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Check{Name: "journal_dir", Passed: false, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "journal_dir", Passed: false, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return Check{Name: "journal_dir", Passed: true, Message: fmt.Sprintf("%s writable", dir)}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "worker_binary":
		return "set worker_binary to an executable path, or use mode inprocess"
	case "transport":
		return "start the broker (nats-server / redis-server) or fix nats_url / redis_addr"
	case "diagnostics_addr":
		return "choose a free port with --diagnostics-addr, or set it empty to disable"
	case "journal_dir":
		return "choose a writable --journal-path"
	default:
		return "see documentation"
	}
}
