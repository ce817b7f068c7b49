package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// NATS
	NATSURL string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Timeout bounds connection setup and publish flushes.
	Timeout time.Duration

	Logger *slog.Logger
}

// Dialer opens a network backend. Backends register themselves from their own
// packages to keep this package free of client libraries.
type Dialer func(ctx context.Context, opts Options) (Transport, error)

var dialers = map[string]Dialer{}

// Register makes a backend available to Open. It is called from init functions.
func Register(name string, d Dialer) {
	dialers[name] = d
}

// Open returns a Transport for opts.Backend. The memory backend is always
// available; network backends must have been registered by importing their
// package.
func Open(ctx context.Context, opts Options) (Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backend == "" || opts.Backend == BackendMemory {
		return NewMemory(opts.Logger), nil
	}
	d, ok := dialers[opts.Backend]
	if !ok {
		return nil, fmt.Errorf("transport backend %q not available", opts.Backend)
	}
	return d(ctx, opts)
}

// Backends lists the names Open accepts.
func Backends() []string {
	names := []string{BackendMemory}
	for name := range dialers {
		names = append(names, name)
	}
	return names
}
