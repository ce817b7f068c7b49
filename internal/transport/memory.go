package transport

import (
	"context"
	"log/slog"
	"sync"
)

// memoryBufferSize is the per-subscriber queue depth. Messages beyond it are
// dropped, matching at-most-once delivery of the network backends.
const memoryBufferSize = 64

// Memory is an in-process Transport. It only connects goroutines of the same
// process and is used by tests and the in-process worker mode.
type Memory struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger: logger,
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

type memorySub struct {
	bus     *Memory
	subject string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// Name returns "memory".
func (b *Memory) Name() string {
	return "memory"
}

// Publish fans msg out to every subscriber of subject. The message passes
// through the codec so that in-process delivery sees the same data as a wire
// backend would.
func (b *Memory) Publish(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[subject] {
		select {
		case sub.ch <- decoded:
		default:
			b.logger.Warn("memory_transport_drop", "subject", subject, "kind", msg.Kind)
		}
	}
	return nil
}

// Subscribe registers h for subject.
func (b *Memory) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		ch:      make(chan Message, memoryBufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][sub] = struct{}{}
	b.mu.Unlock()

	go sub.deliver(h)
	return sub, nil
}

// Close stops all subscriptions.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

// subscribers returns the number of live subscriptions on subject.
func (b *Memory) subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (s *memorySub) deliver(h Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			h(msg)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if set := s.bus.subs[s.subject]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
