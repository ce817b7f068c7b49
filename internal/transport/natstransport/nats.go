// Package natstransport implements transport.Transport on core NATS.
package natstransport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

func init() {
	transport.Register(transport.BackendNATS, func(ctx context.Context, opts transport.Options) (transport.Transport, error) {
		return Dial(ctx, Config{
			URL:     opts.NATSURL,
			Timeout: opts.Timeout,
			Logger:  opts.Logger,
		})
	})
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	PingInterval  time.Duration
	Logger        *slog.Logger
}

// Transport is a NATS-backed transport.
type Transport struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the NATS server described by cfg.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "trampoline"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	return &Transport{conn: conn, timeout: cfg.Timeout, logger: logger}, nil
}

// Name returns "nats".
func (t *Transport) Name() string {
	return transport.BackendNATS
}

// Publish encodes msg and flushes it to the server.
func (t *Transport) Publish(ctx context.Context, subject string, msg transport.Message) error {
	if t.conn.IsClosed() {
		return transport.ErrClosed
	}
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush after publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h on subject. The subscription is confirmed by the
// server before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, subject string, h transport.Handler) (transport.Subscription, error) {
	if t.conn.IsClosed() {
		return nil, transport.ErrClosed
	}

	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := transport.Decode(m.Data)
		if err != nil {
			t.logger.Warn("nats_message_dropped", "subject", m.Subject, "error", err)
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.conn.FlushWithContext(flushCtx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("confirm subscription to %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains pending messages and closes the connection.
func (t *Transport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.logger.Warn("nats_drain_failed", "error", err)
		t.conn.Close()
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
