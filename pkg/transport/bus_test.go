package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RequestReply(t *testing.T) {
	bus := NewBus(time.Second)
	bus.Register("echo", func(_ context.Context, msg *Message) {
		msg.Reply(append([]byte("re:"), msg.Body...))
	})

	out, err := bus.Request(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "re:hi", string(out))
}

func TestBus_NoDestination(t *testing.T) {
	bus := NewBus(time.Second)

	_, err := bus.Request(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.Equal(t, FailureNoDestination, Classify(err))

	err = bus.Send(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestBus_Timeout(t *testing.T) {
	bus := NewBus(20 * time.Millisecond)
	bus.Register("silent", func(context.Context, *Message) {})

	_, err := bus.Request(context.Background(), "silent", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsStaleRouting(err))
}

func TestBus_AbandonedClosesWhenRequesterGivesUp(t *testing.T) {
	bus := NewBus(20 * time.Millisecond)
	got := make(chan *Message, 1)
	bus.Register("silent", func(_ context.Context, msg *Message) { got <- msg })

	_, err := bus.Request(context.Background(), "silent", nil)
	require.ErrorIs(t, err, ErrTimeout)

	msg := <-got
	select {
	case <-msg.Abandoned():
	case <-time.After(time.Second):
		t.Fatal("abandoned channel not closed after timeout")
	}
	assert.NotPanics(t, func() { msg.Reply([]byte("late")) })

	require.NoError(t, bus.Send(context.Background(), "silent", nil))
	assert.Nil(t, (<-got).Abandoned())
}

func TestBus_ContextDeadlineIsTimeout(t *testing.T) {
	bus := NewBus(time.Minute)
	bus.Register("silent", func(context.Context, *Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "silent", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBus_FailIsOther(t *testing.T) {
	bus := NewBus(time.Second)
	bus.Register("grumpy", func(_ context.Context, msg *Message) {
		msg.Fail("nope")
		msg.Reply([]byte("ignored"))
	})

	_, err := bus.Request(context.Background(), "grumpy", nil)
	var re *RecipientError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "nope", re.Reason)
	assert.Equal(t, FailureOther, Classify(err))
	assert.False(t, IsStaleRouting(err))
}

func TestBus_Unregister(t *testing.T) {
	bus := NewBus(time.Second)
	un := bus.Register("a", func(_ context.Context, msg *Message) { msg.Reply(nil) })
	assert.True(t, bus.HasHandler("a"))

	un()
	assert.False(t, bus.HasHandler("a"))
	_, err := bus.Request(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestBus_RoundRobin(t *testing.T) {
	bus := NewBus(time.Second)
	var first, second atomic.Int32
	bus.Register("w", func(_ context.Context, msg *Message) { first.Add(1); msg.Reply(nil) })
	bus.Register("w", func(_ context.Context, msg *Message) { second.Add(1); msg.Reply(nil) })

	for i := 0; i < 10; i++ {
		_, err := bus.Request(context.Background(), "w", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), first.Load())
	assert.Equal(t, int32(5), second.Load())
}

func TestBus_SendDoesNotWait(t *testing.T) {
	bus := NewBus(time.Second)
	got := make(chan string, 1)
	bus.Register("sink", func(_ context.Context, msg *Message) {
		msg.Reply(nil)
		got <- string(msg.Body)
	})

	require.NoError(t, bus.Send(context.Background(), "sink", []byte("x")))
	select {
	case body := <-got:
		assert.Equal(t, "x", body)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureNone, Classify(nil))
	assert.Equal(t, FailureTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, FailureTimeout, Classify(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Equal(t, FailureOther, Classify(errors.New("boom")))
	assert.Equal(t, "NO_HANDLERS", FailureNoDestination.String())
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, "client.S1.events", ClientEventsAddress("S1"))
	assert.Equal(t, "client.S1.data", ClientDataAddress("S1"))
}
