// Package redistransport implements transport.Transport on Redis pub/sub.
package redistransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randomizedcoder/go-trampoline/internal/transport"
)

func init() {
	transport.Register(transport.BackendRedis, func(ctx context.Context, opts transport.Options) (transport.Transport, error) {
		return Dial(ctx, Config{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Timeout:  opts.Timeout,
			Logger:   opts.Logger,
		})
	})
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Transport is a Redis pub/sub transport.
type Transport struct {
	client  *redis.Client
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}

	return &Transport{
		client:  client,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		subs:    make(map[*subscription]struct{}),
	}, nil
}

// Name returns "redis".
func (t *Transport) Name() string {
	return transport.BackendRedis
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish encodes msg and publishes it on the channel named subject.
func (t *Transport) Publish(ctx context.Context, subject string, msg transport.Message) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

type subscription struct {
	t      *Transport
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe waits for the server to confirm the subscription, then delivers
// messages to h from a background goroutine.
func (t *Transport) Subscribe(ctx context.Context, subject string, h transport.Handler) (transport.Subscription, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}

	pubsub := t.client.Subscribe(ctx, subject)
	confirmCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	sub := &subscription{t: t, pubsub: pubsub, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pubsub.Close()
		return nil, transport.ErrClosed
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for m := range ch {
			msg, err := transport.Decode([]byte(m.Payload))
			if err != nil {
				t.logger.Warn("redis_message_dropped", "channel", m.Channel, "error", err)
				continue
			}
			h(msg)
		}
	}()

	return sub, nil
}

// Unsubscribe closes the underlying pub/sub connection.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// Close cancels all subscriptions and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			t.logger.Debug("redis_unsubscribe_failed", "error", err)
		}
	}
	return t.client.Close()
}

var _ transport.Transport = (*Transport)(nil)
