package probe

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-trampoline/internal/transport"
	"github.com/randomizedcoder/go-trampoline/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWorker runs a worker runtime for slot on bus until the test ends.
func startWorker(t *testing.T, bus transport.Transport, slot, id string) {
	t.Helper()
	rt, err := worker.New(worker.Config{Slot: slot, InstanceID: id, Transport: bus, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = rt.Run(ctx) }()
	<-rt.Ready()
	t.Cleanup(cancel)
}

func TestProbe_Reachable(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()
	startWorker(t, bus, "bot", "inst-7")

	var observed []Result
	p := New(Config{Transport: bus, Timeout: time.Second, Logger: testLogger(), OnResult: func(r Result) {
		observed = append(observed, r)
	}})

	r, err := p.Probe(context.Background(), "bot")
	require.NoError(t, err)
	assert.True(t, r.Reachable)
	assert.Equal(t, "inst-7", r.Responder)
	assert.Positive(t, r.Latency)
	assert.Less(t, r.Latency, time.Second)
	assert.Len(t, observed, 1)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Reachable)
	assert.Positive(t, stats.P50)
	assert.Equal(t, stats.P50, p.Quantile(0.5))
}

func TestProbe_TimeoutIsUnreachable(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	p := New(Config{Transport: bus, Timeout: 50 * time.Millisecond, Logger: testLogger()})

	start := time.Now()
	r, err := p.Probe(context.Background(), "nobody")
	require.NoError(t, err, "a timeout is not an error")
	assert.False(t, r.Reachable)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, p.Stats().Unreachable)
	assert.Zero(t, p.Quantile(0.99))
}

func TestProbe_IgnoresForeignPongs(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	// Answers every ping with the wrong nonce.
	_, err := bus.Subscribe(context.Background(), transport.ControlSubject("", "bot"), func(m transport.Message) {
		_ = bus.Publish(context.Background(), transport.AckSubject("", "bot"), transport.Message{
			Kind: transport.KindPong, Slot: "bot", Nonce: "not-" + m.Nonce,
		})
	})
	require.NoError(t, err)

	p := New(Config{Transport: bus, Timeout: 100 * time.Millisecond, Logger: testLogger()})
	r, err := p.Probe(context.Background(), "bot")
	require.NoError(t, err)
	assert.False(t, r.Reachable)
}

func TestProbe_CancelledContext(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	p := New(Config{Transport: bus, Timeout: time.Minute, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Probe(ctx, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProbe_TransportClosed(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	require.NoError(t, bus.Close())

	_, err := New(Config{Transport: bus, Logger: testLogger()}).Probe(context.Background(), "bot")
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestWaitReachable_BecomesReachable(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	p := New(Config{Transport: bus, Timeout: 50 * time.Millisecond, Logger: testLogger()})

	rt, err := worker.New(worker.Config{Slot: "bot", InstanceID: "late", Transport: bus, Logger: testLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = rt.Run(ctx)
	}()

	r, err := p.WaitReachable(context.Background(), "bot", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, r.Reachable)
	assert.Equal(t, "late", r.Responder)
	assert.Positive(t, p.Stats().Unreachable, "earlier probes should have timed out")
}

func TestWaitReachable_GivesUp(t *testing.T) {
	bus := transport.NewMemory(testLogger())
	defer bus.Close()

	p := New(Config{Transport: bus, Timeout: 30 * time.Millisecond, Logger: testLogger()})
	r, err := p.WaitReachable(context.Background(), "nobody", 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, r.Reachable)
}
