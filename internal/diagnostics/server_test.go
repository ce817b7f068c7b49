package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/metrics"
	"github.com/randomizedcoder/go-trampoline/internal/probe"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

type fakeSlot struct {
	mu      sync.Mutex
	snap    supervisor.Snapshot
	history []supervisor.ExitReport
	halts   int
}

func (f *fakeSlot) Snapshot() supervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSlot) History() []supervisor.ExitReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.ExitReport(nil), f.history...)
}

func (f *fakeSlot) Halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	f.snap.State = supervisor.StateHalted
}

type fakeJournal struct {
	reports []supervisor.ExitReport
	err     error
	gotSlot string
}

func (j *fakeJournal) Recent(_ context.Context, slot string, limit int) ([]supervisor.ExitReport, error) {
	j.gotSlot = slot
	if j.err != nil {
		return nil, j.err
	}
	if len(j.reports) > limit {
		return j.reports[:limit], nil
	}
	return j.reports, nil
}

type fakeProbes struct{}

func (fakeProbes) Stats() probe.Stats {
	return probe.Stats{Reachable: 3, P50: time.Millisecond}
}

func reports(n int) []supervisor.ExitReport {
	out := make([]supervisor.ExitReport, n)
	for i := range out {
		out[i] = supervisor.ExitReport{
			HandleID:   fmt.Sprintf("h%d", i+1),
			Slot:       "bot",
			Generation: i + 1,
			Status:     exitstatus.Exited(exitstatus.TriggeredCrashCode),
			Cause:      exitstatus.TriggeredCrash,
		}
	}
	return out
}

func newTestServer(t *testing.T, slot *fakeSlot, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(DefaultConfig(), slot, logger, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, time.Second), ts
}

func runningSlot() *fakeSlot {
	return &fakeSlot{
		snap: supervisor.Snapshot{
			Slot:        "bot",
			State:       supervisor.StateRunning,
			Launcher:    "inprocess",
			Generation:  2,
			Restarts:    1,
			MaxRestarts: 5,
			Window:      time.Minute,
			Handle:      &supervisor.HandleInfo{ID: "h2", Slot: "bot", PID: 4242, Generation: 2},
		},
		history: reports(3),
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, runningSlot())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady(t *testing.T) {
	slot := runningSlot()
	c, _ := newTestServer(t, slot)
	ctx := context.Background()

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	slot.mu.Lock()
	slot.snap.State = supervisor.StateRestarting
	slot.mu.Unlock()

	ready, err = c.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestStatus(t *testing.T) {
	var sampledPID int
	usage := func(_ context.Context, pid int) (process.Usage, error) {
		sampledPID = pid
		return process.Usage{PID: pid, Running: true, RSSBytes: 1 << 20}, nil
	}
	c, _ := newTestServer(t, runningSlot(), WithUsageReader(usage), WithProbeStats(fakeProbes{}))

	st, err := c.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bot", st.Slot)
	assert.Equal(t, supervisor.StateRunning, st.State)
	assert.Equal(t, time.Minute, st.Window)
	require.NotNil(t, st.Handle)
	assert.Equal(t, "h2", st.Handle.ID)

	assert.Equal(t, 4242, sampledPID)
	require.NotNil(t, st.Usage)
	assert.EqualValues(t, 1<<20, st.Usage.RSSBytes)
	require.NotNil(t, st.Probe)
	assert.EqualValues(t, 3, st.Probe.Reachable)
}

func TestStatus_UsageFailureIsNotFatal(t *testing.T) {
	usage := func(context.Context, int) (process.Usage, error) {
		return process.Usage{}, errors.New("gone")
	}
	c, _ := newTestServer(t, runningSlot(), WithUsageReader(usage))

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Usage)
	assert.Nil(t, st.Probe)
}

func TestHistory(t *testing.T) {
	c, ts := newTestServer(t, runningSlot())
	ctx := context.Background()

	all, err := c.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	last, err := c.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "h2", last[0].HandleID)
	assert.Equal(t, "h3", last[1].HandleID)
	assert.Equal(t, exitstatus.TriggeredCrash, last[1].Cause)

	resp, err := http.Get(ts.URL + "/api/v1/history?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_EmptyIsArray(t *testing.T) {
	c, _ := newTestServer(t, &fakeSlot{snap: supervisor.Snapshot{Slot: "bot"}})

	h, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Empty(t, h)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		c, _ := newTestServer(t, runningSlot())
		_, err := c.Journal(ctx, 5)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Contains(t, se.Message, "journal")
	})

	t.Run("configured", func(t *testing.T) {
		j := &fakeJournal{reports: reports(4)}
		c, _ := newTestServer(t, runningSlot(), WithJournal(j))
		got, err := c.Journal(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, "bot", j.gotSlot)
	})

	t.Run("read failure", func(t *testing.T) {
		c, _ := newTestServer(t, runningSlot(), WithJournal(&fakeJournal{err: errors.New("disk")}))
		_, err := c.Journal(ctx, 2)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.Code)
	})
}

func TestHalt(t *testing.T) {
	slot := runningSlot()
	c, ts := newTestServer(t, slot)

	require.NoError(t, c.Halt(context.Background()))
	assert.Equal(t, 1, slot.halts)
	assert.Equal(t, supervisor.StateHalted, slot.Snapshot().State)

	resp, err := http.Get(ts.URL + "/api/v1/halt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	col := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{Slot: "bot"}, reg)
	col.Restarted(10 * time.Millisecond)
	col.Restarted(20 * time.Millisecond)
	col.RecordExit(supervisor.ExitReport{Cause: exitstatus.TriggeredCrash, Uptime: time.Second})

	c, _ := newTestServer(t, runningSlot(), WithGatherer(reg))

	families, err := c.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, CounterValue(families, "trampoline_restarts_total"))
	assert.Equal(t, 1.0, LabeledValues(families, "trampoline_exits_total", "cause")["triggered_crash"])
	assert.Zero(t, CounterValue(families, "does_not_exist"))
}

func TestMetrics_NotConfigured(t *testing.T) {
	c, _ := newTestServer(t, runningSlot())
	_, err := c.Metrics(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, runningSlot(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := NewClient(ln.Addr().String(), time.Second)
	require.Eventually(t, func() bool {
		ok, err := c.Ready(context.Background())
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewClient_NormalizesAddr(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9464", NewClient("127.0.0.1:9464", 0).BaseURL())
	assert.Equal(t, "https://example.test", NewClient("https://example.test/", 0).BaseURL())
}
