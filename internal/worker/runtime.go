// Package worker is the supervised side of the trampoline. A Runtime listens
// on its slot's control subject, answers liveness pings and terminates with
// the reserved crash status when told to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

// pongTimeout bounds publishing a single acknowledgment.
const pongTimeout = 2 * time.Second

// Config holds configuration for a worker Runtime.
type Config struct {
	Slot       string
	InstanceID string // defaults to a fresh uuid
	Prefix     string // subject prefix, defaults to transport.DefaultPrefix
	CrashToken string // defaults to transport.DefaultCrashToken
	Transport  transport.Transport
	Logger     *slog.Logger
}

// Runtime is one worker instance.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	ready    chan struct{}
	exit     chan int
	exitOnce sync.Once
	exiting  atomic.Bool

	pings atomic.Int64
}

// New validates cfg and returns a Runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Slot == "" {
		return nil, errors.New("worker: slot is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("worker: transport is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = transport.DefaultPrefix
	}
	if cfg.CrashToken == "" {
		cfg.CrashToken = transport.DefaultCrashToken
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runtime{
		cfg:    cfg,
		logger: cfg.Logger.With("slot", cfg.Slot, "instance", cfg.InstanceID),
		ready:  make(chan struct{}),
		exit:   make(chan int, 1),
	}, nil
}

// InstanceID identifies this incarnation in pong replies.
func (r *Runtime) InstanceID() string {
	return r.cfg.InstanceID
}

// Ready is closed once the control subscription is live.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Pings returns how many pings this instance has answered.
func (r *Runtime) Pings() int64 {
	return r.pings.Load()
}

// Run serves control messages until the worker is told to exit or ctx is
// cancelled. The returned code is the process exit status the caller should
// use: exitstatus.TriggeredCrashCode after a crash command and 0 after a
// shutdown command or cancellation. A non-nil error means the worker could
// not start.
func (r *Runtime) Run(ctx context.Context) (int, error) {
	subject := transport.ControlSubject(r.cfg.Prefix, r.cfg.Slot)
	sub, err := r.cfg.Transport.Subscribe(ctx, subject, r.handle)
	if err != nil {
		return 1, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("unsubscribe_failed", "error", err)
		}
	}()

	r.logger.Info("worker_ready", "subject", subject, "transport", r.cfg.Transport.Name())
	close(r.ready)

	select {
	case <-ctx.Done():
		r.exiting.Store(true)
		r.logger.Info("worker_stopping", "reason", "context_cancelled", "pings", r.Pings())
		return 0, nil
	case code := <-r.exit:
		r.logger.Info("worker_exiting", "exit_code", code, "pings", r.Pings())
		return code, nil
	}
}

// handle runs on the transport's delivery goroutine.
func (r *Runtime) handle(msg transport.Message) {
	if r.exiting.Load() {
		return
	}
	if msg.Slot != "" && msg.Slot != r.cfg.Slot {
		r.logger.Debug("message_for_other_slot", "target", msg.Slot)
		return
	}

	switch msg.Kind {
	case transport.KindCrash:
		if msg.Token != r.cfg.CrashToken {
			r.logger.Warn("crash_token_mismatch", "from", msg.From)
			return
		}
		r.logger.Warn("crash_requested", "from", msg.From, "exit_code", exitstatus.TriggeredCrashCode)
		r.finish(exitstatus.TriggeredCrashCode)

	case transport.KindShutdown:
		r.logger.Info("shutdown_requested", "from", msg.From)
		r.finish(0)

	case transport.KindPing:
		r.pong(msg)

	default:
		r.logger.Debug("message_ignored", "kind", msg.Kind)
	}
}

func (r *Runtime) finish(code int) {
	r.exitOnce.Do(func() {
		r.exiting.Store(true)
		r.exit <- code
	})
}

func (r *Runtime) pong(ping transport.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), pongTimeout)
	defer cancel()

	reply := transport.Message{
		Kind:  transport.KindPong,
		Slot:  r.cfg.Slot,
		Nonce: ping.Nonce,
		From:  r.cfg.InstanceID,
	}
	if err := r.cfg.Transport.Publish(ctx, transport.AckSubject(r.cfg.Prefix, r.cfg.Slot), reply); err != nil {
		r.logger.Warn("pong_failed", "nonce", ping.Nonce, "error", err)
		return
	}
	r.pings.Add(1)
}
