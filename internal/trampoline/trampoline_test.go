package trampoline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-trampoline/internal/config"
	"github.com/randomizedcoder/go-trampoline/internal/diagnostics"
	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/journal"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for the summary writer and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConfig is an in-process slot on the memory transport with fast,
// jitter-free backoff.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Slot = "bot"
	cfg.Mode = config.ModeInProcess
	cfg.Transport = transport.BackendMemory
	cfg.BackoffInitial = 200 * time.Millisecond
	cfg.BackoffMax = 200 * time.Millisecond
	cfg.BackoffMultiply = 1
	cfg.BackoffJitter = 0
	cfg.Seed = 1
	cfg.StopTimeout = time.Second
	cfg.LaunchTimeout = 2 * time.Second
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.DiagnosticsAddr = ""
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	cfg.StatusFile = filepath.Join(dir, "status.json")
	cfg.SkipPreflight = true
	return cfg
}

type harness struct {
	t    *testing.T
	tr   *Trampoline
	bus  *transport.Memory
	out  *syncBuffer
	done chan error
}

func start(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	bus := transport.NewMemory(testLogger())
	t.Cleanup(func() { _ = bus.Close() })

	out := &syncBuffer{}
	opts = append([]Option{WithTransport(bus), WithOutput(out), WithoutSignals(), WithVersion("test")}, opts...)
	tr, err := New(context.Background(), cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h := &harness{t: t, tr: tr, bus: bus, out: out, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- tr.Run(ctx) }()
	return h
}

func (h *harness) wait(timeout time.Duration) error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) send(kind transport.Kind, token string) {
	h.t.Helper()
	cfg := h.tr.config
	msg := transport.Message{Kind: kind, Slot: cfg.Slot, Token: token, From: "test"}
	if err := h.bus.Publish(context.Background(), transport.ControlSubject(cfg.SubjectPrefix, cfg.Slot), msg); err != nil {
		h.t.Fatalf("publish %s: %v", kind, err)
	}
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Scenario Tests
// =============================================================================

// A crash command kills the worker with the sentinel status, the slot comes
// back with a new handle after the backoff, and a probe that failed during
// the gap succeeds against the new instance.
func TestScenario_CrashRestartReachable(t *testing.T) {
	cfg := testConfig(t)
	h := start(t, cfg)
	sup := h.tr.Supervisor()
	ctx := context.Background()

	first, err := h.tr.Prober().WaitReachable(ctx, "bot", 2*time.Second)
	if err != nil || !first.Reachable {
		t.Fatalf("first instance not reachable: %+v, %v", first, err)
	}
	firstHandle, ok := sup.Handle()
	if !ok {
		t.Fatal("no handle while reachable")
	}
	if first.Responder != firstHandle.ID {
		t.Errorf("Responder = %q, want handle %q", first.Responder, firstHandle.ID)
	}

	crashedAt := time.Now()
	h.send(transport.KindCrash, cfg.CrashToken)

	gap, err := h.tr.Prober().Probe(ctx, "bot")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gap.Reachable {
		t.Error("probe during backoff should be unreachable")
	}

	second, err := h.tr.Prober().WaitReachable(ctx, "bot", 3*time.Second)
	if err != nil || !second.Reachable {
		t.Fatalf("restarted instance not reachable: %+v, %v", second, err)
	}
	if second.Responder == first.Responder {
		t.Error("restarted instance answered with the old handle id")
	}
	if elapsed := time.Since(crashedAt); elapsed < cfg.BackoffInitial {
		t.Errorf("restart after %v, before backoff %v", elapsed, cfg.BackoffInitial)
	}

	hist := sup.History()
	if len(hist) != 1 {
		t.Fatalf("history = %d entries, want 1", len(hist))
	}
	if hist[0].Cause != exitstatus.TriggeredCrash || hist[0].Status.Code != exitstatus.TriggeredCrashCode {
		t.Errorf("report = %+v, want triggered crash", hist[0])
	}
	if hist[0].HandleID != firstHandle.ID {
		t.Errorf("report handle = %q, want %q", hist[0].HandleID, firstHandle.ID)
	}
	if snap := sup.Snapshot(); snap.Generation != 2 || snap.Restarts != 1 {
		t.Errorf("snapshot = gen %d restarts %d, want 2/1", snap.Generation, snap.Restarts)
	}

	sup.Halt()
	if err := h.wait(5 * time.Second); err != nil {
		t.Errorf("Run() = %v, want nil after halt", err)
	}

	// Journal and status file outlive the run.
	j, err := journal.Open(ctx, cfg.JournalPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	counts, err := j.Counts(ctx, "bot")
	if err != nil {
		t.Fatal(err)
	}
	if counts[exitstatus.TriggeredCrash] != 1 {
		t.Errorf("journal counts = %v", counts)
	}

	snap, err := ReadStatusFile(cfg.StatusFile)
	if err != nil {
		t.Fatalf("ReadStatusFile() error = %v", err)
	}
	if snap.State != supervisor.StateHalted {
		t.Errorf("status file state = %s, want halted", snap.State)
	}

	if out := h.out.String(); !strings.Contains(out, "Exit Summary") || !strings.Contains(out, "triggered_crash") {
		t.Errorf("summary missing content:\n%s", out)
	}
}

func TestScenario_WrongTokenIgnored(t *testing.T) {
	h := start(t, testConfig(t))
	ctx := context.Background()

	if r, _ := h.tr.Prober().WaitReachable(ctx, "bot", 2*time.Second); !r.Reachable {
		t.Fatal("worker not reachable")
	}
	h.send(transport.KindCrash, "please")

	r, err := h.tr.Prober().Probe(ctx, "bot")
	if err != nil || !r.Reachable {
		t.Fatalf("worker should survive a wrong token: %+v, %v", r, err)
	}
	if n := len(h.tr.Supervisor().History()); n != 0 {
		t.Errorf("history = %d, want 0", n)
	}

	h.tr.Supervisor().Halt()
	if err := h.wait(5 * time.Second); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestScenario_CleanShutdownHalts(t *testing.T) {
	h := start(t, testConfig(t))

	if r, _ := h.tr.Prober().WaitReachable(context.Background(), "bot", 2*time.Second); !r.Reachable {
		t.Fatal("worker not reachable")
	}
	h.send(transport.KindShutdown, "")

	if err := h.wait(5 * time.Second); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	sup := h.tr.Supervisor()
	if sup.State() != supervisor.StateHalted {
		t.Errorf("state = %s, want halted", sup.State())
	}
	hist := sup.History()
	if len(hist) != 1 || hist[0].Cause != exitstatus.CleanShutdown {
		t.Errorf("history = %+v, want one clean shutdown", hist)
	}
	if got := h.tr.Metrics().TotalRestarts(); got != 0 {
		t.Errorf("restarts = %d, want 0", got)
	}
}

func TestScenario_BudgetExhaustedWithExecWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 2
	cfg.RestartWindow = time.Minute
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond

	failing := process.NewExecLauncher(process.Config{
		Binary: "bash",
		Args:   []string{"-c", "echo dying >&2; exit 1"},
		Logger: testLogger(),
	})
	h := start(t, cfg, WithLauncher(failing))

	err := h.wait(10 * time.Second)
	var be *supervisor.BudgetExhaustedError
	if !errors.As(err, &be) {
		t.Fatalf("Run() = %v, want *BudgetExhaustedError", err)
	}
	if !errors.Is(err, supervisor.ErrRestartBudgetExhausted) {
		t.Error("error should match ErrRestartBudgetExhausted")
	}
	if be.Last == nil || be.Last.Status.Code != 1 {
		t.Errorf("Last = %+v, want exit 1", be.Last)
	}

	sup := h.tr.Supervisor()
	if n := len(sup.History()); n != cfg.MaxRestarts+1 {
		t.Errorf("history = %d, want %d", n, cfg.MaxRestarts+1)
	}
	for _, r := range sup.History() {
		if r.Cause != exitstatus.UnexpectedFault {
			t.Errorf("cause = %s, want unexpected_fault", r.Cause)
		}
		if len(r.StderrTail) == 0 || r.StderrTail[len(r.StderrTail)-1] != "dying" {
			t.Errorf("stderr tail = %q", r.StderrTail)
		}
	}
	summary := h.tr.Metrics().GenerateSummary()
	if !summary.Fatal || summary.TotalLaunches != 3 || summary.TotalRestarts != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(h.out.String(), "EXHAUSTED") {
		t.Error("exit summary should report the exhausted budget")
	}
}

func TestScenario_ContextCancel(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	tr, err := New(context.Background(), testConfig(t), testLogger(),
		WithTransport(bus), WithOutput(io.Discard), WithoutSignals())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	waitFor(t, "running", 2*time.Second, func() bool { return tr.Supervisor().State() == supervisor.StateRunning })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScenario_DiagnosticsAndProbeLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiagnosticsAddr = freeAddr(t)
	cfg.ProbeInterval = 20 * time.Millisecond
	h := start(t, cfg)
	ctx := context.Background()

	client := diagnostics.NewClient(cfg.DiagnosticsAddr, time.Second)
	waitFor(t, "ready", 3*time.Second, func() bool {
		ok, err := client.Ready(ctx)
		return err == nil && ok
	})
	waitFor(t, "background probes", 3*time.Second, func() bool {
		return h.tr.Prober().Stats().Reachable > 0
	})

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Slot != "bot" || st.State != supervisor.StateRunning || st.Probe == nil {
		t.Errorf("status = %+v", st)
	}

	families, err := client.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if diagnostics.CounterValue(families, "trampoline_launches_total") != 1 {
		t.Error("launches_total should be 1")
	}
	if diagnostics.LabeledValues(families, "trampoline_probes_total", "result")["reachable"] < 1 {
		t.Error("probe results should be exported")
	}

	if err := client.Halt(ctx); err != nil {
		t.Fatalf("Halt() error = %v", err)
	}
	if err := h.wait(5 * time.Second); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slot = ""
	if _, err := New(context.Background(), cfg, testLogger(), WithTransport(transport.NewMemory(nil))); err == nil {
		t.Fatal("New() should reject an invalid config")
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipPreflight = false
	cfg.DiagnosticsAddr = freeAddr(t)

	// Occupy the diagnostics port.
	ln, err := net.Listen("tcp", cfg.DiagnosticsAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	out := &syncBuffer{}
	tr, err := New(context.Background(), cfg, testLogger(),
		WithTransport(transport.NewMemory(nil)), WithOutput(out), WithoutSignals())
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "preflight") {
		t.Fatalf("Run() = %v, want preflight failure", err)
	}
	if !strings.Contains(out.String(), "Preflight checks:") {
		t.Error("preflight report should be printed")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// =============================================================================
// Unit Tests
// =============================================================================

func TestWorkerEnv(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport = "redis"
	cfg.RedisAddr = "10.1.1.1:6379"
	cfg.CrashToken = "BOOM"

	env := strings.Join(WorkerEnv(cfg), "\n")
	for _, want := range []string{
		"TRAMPOLINE_TRANSPORT=redis",
		"TRAMPOLINE_REDIS_ADDR=10.1.1.1:6379",
		"TRAMPOLINE_CRASH_TOKEN=BOOM",
		"TRAMPOLINE_SUBJECT_PREFIX=trampoline",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("worker env missing %s", want)
		}
	}
}

func TestStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "status.json")
	sf := NewStatusFile(path, testLogger())

	sf.Write(supervisor.Snapshot{Slot: "bot", State: supervisor.StateRunning, Generation: 3})
	sf.Write(supervisor.Snapshot{Slot: "bot", State: supervisor.StateRestarting, Generation: 3})

	snap, err := ReadStatusFile(path)
	if err != nil {
		t.Fatalf("ReadStatusFile() error = %v", err)
	}
	if snap.State != supervisor.StateRestarting || snap.Generation != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if sf.Path() != path {
		t.Errorf("Path() = %q", sf.Path())
	}
}

func TestStatusFile_WriteErrorIsLogged(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	sf := NewStatusFile(filepath.Join(blocker, "status.json"), testLogger())

	// Must not panic; the error goes to the log.
	sf.Write(supervisor.Snapshot{Slot: "bot"})
	if err := sf.write(supervisor.Snapshot{Slot: "bot"}); err == nil {
		t.Error("write under a regular file should fail")
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "(clean)"},
		{1, "(error)"},
		{86, "(triggered)"},
		{137, "(SIGKILL)"},
		{143, "(SIGTERM)"},
		{42, ""},
	}
	for _, tt := range tests {
		if got := exitCodeLabel(tt.code); got != tt.want {
			t.Errorf("exitCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{90 * time.Second, "00:01:30"},
		{25*time.Hour + 61*time.Second, "25:01:01"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
