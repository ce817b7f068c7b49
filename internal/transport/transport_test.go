package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := Message{Kind: KindCrash, Slot: "bot", Token: DefaultCrashToken, Nonce: "n1", From: "cli"}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Slot, out.Slot)
	assert.Equal(t, in.Token, out.Token)
	assert.Equal(t, in.Nonce, out.Nonce)
	assert.False(t, out.SentAt.IsZero(), "Encode should stamp SentAt")
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	_, err := Encode(Message{Kind: "reboot"})
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "CRASH"},
		{"unknown kind", `{"kind":"explode","slot":"a"}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "trampoline.control.bot", ControlSubject("", "bot"))
	assert.Equal(t, "ops.ack.bot", AckSubject("ops", "bot"))
}

func TestMemory_PublishSubscribe(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	ctx := context.Background()
	got := make(chan Message, 1)
	sub, err := bus.Subscribe(ctx, "s", func(m Message) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "s", Message{Kind: KindPing, Slot: "bot", Nonce: "abc"}))

	select {
	case m := <-got:
		assert.Equal(t, KindPing, m.Kind)
		assert.Equal(t, "abc", m.Nonce)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemory_SubjectIsolation(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	ctx := context.Background()
	got := make(chan Message, 1)
	_, err := bus.Subscribe(ctx, "a", func(m Message) { got <- m })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "b", Message{Kind: KindPing}))

	select {
	case m := <-got:
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	bus := NewMemory(nil)
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "s", func(Message) {})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.subscribers("s"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, bus.subscribers("s"))
}

func TestMemory_Closed(t *testing.T) {
	bus := NewMemory(nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	ctx := context.Background()
	assert.ErrorIs(t, bus.Publish(ctx, "s", Message{Kind: KindPing}), ErrClosed)
	_, err := bus.Subscribe(ctx, "s", func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen(t *testing.T) {
	tr, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "memory", tr.Name())
	require.NoError(t, tr.Close())

	_, err = Open(context.Background(), Options{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}
