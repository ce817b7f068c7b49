// Package probe checks from the outside whether a slot's worker is reachable.
//
// A probe publishes a ping with a fresh nonce on the slot's control subject
// and waits on a completion channel for the matching pong. Running out of
// time is a normal outcome (unreachable), not an error.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Slot      string        `json:"slot"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Responder string        `json:"responder,omitempty"`
	At        time.Time     `json:"at"`
}

// Config holds configuration for a Prober.
type Config struct {
	Transport transport.Transport
	Prefix    string
	Timeout   time.Duration
	// From identifies the prober in ping messages.
	From   string
	Logger *slog.Logger
	// OnResult, if set, observes every completed probe.
	OnResult func(Result)
}

// Prober sends liveness probes. It never touches supervisor state.
type Prober struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	latency     *tdigest.TDigest
	reachable   int64
	unreachable int64
}

// New creates a Prober.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.From == "" {
		cfg.From = "probe-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		logger:  cfg.Logger,
		latency: tdigest.NewWithCompression(100),
	}
}

// Probe checks slot once. The returned error is non-nil only for transport
// failures or a cancelled ctx.
func (p *Prober) Probe(ctx context.Context, slot string) (Result, error) {
	nonce := uuid.NewString()
	pong := make(chan transport.Message, 1)

	sub, err := p.cfg.Transport.Subscribe(ctx, transport.AckSubject(p.cfg.Prefix, slot), func(m transport.Message) {
		if m.Kind != transport.KindPong || m.Nonce != nonce {
			return
		}
		select {
		case pong <- m:
		default:
		}
	})
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Debug("probe_unsubscribe_failed", "error", err)
		}
	}()

	start := time.Now()
	ping := transport.Message{Kind: transport.KindPing, Slot: slot, Nonce: nonce, From: p.cfg.From}
	if err := p.cfg.Transport.Publish(ctx, transport.ControlSubject(p.cfg.Prefix, slot), ping); err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	var r Result
	select {
	case m := <-pong:
		r = Result{Slot: slot, Reachable: true, Latency: time.Since(start), Responder: m.From, At: time.Now()}
	case <-timer.C:
		r = Result{Slot: slot, Latency: p.cfg.Timeout, At: time.Now()}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	p.record(r)
	return r, nil
}

// WaitReachable probes slot until it answers or within elapses. Running out
// of time returns the last unreachable result and a nil error.
func (p *Prober) WaitReachable(ctx context.Context, slot string, within time.Duration) (Result, error) {
	wctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	interval := p.cfg.Timeout / 4
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	last := Result{Slot: slot, At: time.Now()}
	for {
		r, err := p.Probe(wctx, slot)
		switch {
		case err == nil && r.Reachable:
			return r, nil
		case err == nil:
			last = r
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return last, nil
		default:
			return Result{}, err
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return last, nil
		case <-time.After(interval):
		}
	}
}

func (p *Prober) record(r Result) {
	p.mu.Lock()
	if r.Reachable {
		p.reachable++
		p.latency.Add(float64(r.Latency.Nanoseconds()), 1)
	} else {
		p.unreachable++
	}
	p.mu.Unlock()

	p.logger.Debug("probe_result",
		"slot", r.Slot,
		"reachable", r.Reachable,
		"latency", r.Latency.String(),
		"responder", r.Responder,
	)
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(r)
	}
}

// Stats summarizes the probes sent so far.
type Stats struct {
	Reachable   int64         `json:"reachable"`
	Unreachable int64         `json:"unreachable"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
}

// Stats returns probe counts and latency quantiles of reachable probes.
func (p *Prober) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Reachable: p.reachable, Unreachable: p.unreachable}
	if p.reachable > 0 {
		s.P50 = time.Duration(p.latency.Quantile(0.50))
		s.P95 = time.Duration(p.latency.Quantile(0.95))
		s.P99 = time.Duration(p.latency.Quantile(0.99))
	}
	return s
}

// Quantile returns the q-quantile of observed round-trip latency.
func (p *Prober) Quantile(q float64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reachable == 0 {
		return 0
	}
	return time.Duration(p.latency.Quantile(q))
}
