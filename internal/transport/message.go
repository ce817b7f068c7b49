// Package transport carries out-of-band control messages between the
// supervisor side (operators, probes) and a worker.
//
// Only two capabilities are needed from a backend: deliver a command to the
// worker's control subject, and deliver acknowledgments back on the ack
// subject. Wire encoding is JSON so that any backend can carry it.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "trampoline"

// DefaultCrashToken is the command text that triggers a deliberate crash.
const DefaultCrashToken = "CRASH"

// Kind identifies a control message.
type Kind string

const (
	// KindCrash asks the worker to terminate with the reserved crash status.
	KindCrash Kind = "crash"

	// KindShutdown asks the worker to exit cleanly.
	KindShutdown Kind = "shutdown"

	// KindPing is a liveness check; the worker answers with KindPong.
	KindPing Kind = "ping"

	// KindPong acknowledges a ping, echoing its nonce.
	KindPong Kind = "pong"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCrash, KindShutdown, KindPing, KindPong:
		return true
	default:
		return false
	}
}

// Message is a single control or acknowledgment event.
type Message struct {
	Kind   Kind      `json:"kind"`
	Slot   string    `json:"slot"`
	Token  string    `json:"token,omitempty"`
	Nonce  string    `json:"nonce,omitempty"`
	From   string    `json:"from,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// ErrMalformed is returned when a payload cannot be decoded into a Message.
var ErrMalformed = errors.New("malformed message")

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("encode: unknown kind %q", m.Kind)
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	return json.Marshal(m)
}

// Decode parses a wire payload.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return m, nil
}

// ControlSubject is where a slot's worker listens for commands.
func ControlSubject(prefix, slot string) string {
	return subject(prefix, "control", slot)
}

// AckSubject is where a slot's worker publishes acknowledgments.
func AckSubject(prefix, slot string) string {
	return subject(prefix, "ack", slot)
}

func subject(prefix, channel, slot string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.Join([]string{prefix, channel, slot}, ".")
}
