package transport

import (
	"context"
	"errors"
)

// Handler receives decoded messages. It is called from the backend's delivery
// goroutine and must not block for long.
type Handler func(Message)

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the message carrier shared by workers, probes and operators.
type Transport interface {
	// Publish sends msg to subject.
	Publish(ctx context.Context, subject string, msg Message) error

	// Subscribe delivers every message published to subject to h until the
	// subscription is cancelled. The subscription is live when Subscribe
	// returns.
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)

	// Name identifies the backend in logs.
	Name() string

	// Close releases the connection. Existing subscriptions stop delivering.
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")
