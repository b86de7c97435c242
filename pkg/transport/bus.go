package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultReplyTimeout bounds how long Request waits for a reply.
const DefaultReplyTimeout = 30 * time.Second

// Message is what a Handler receives.
type Message struct {
	ID      string
	Address string
	Body    []byte

	once  sync.Once
	reply chan<- reply
	done  <-chan struct{}
}

type reply struct {
	body []byte
	err  error
}

// Reply acknowledges the message. Only the first Reply or Fail counts; for
// messages sent with Send it is a no-op.
func (m *Message) Reply(body []byte) {
	m.once.Do(func() {
		if m.reply != nil {
			m.reply <- reply{body: body}
		}
	})
}

// Abandoned is closed once the requester stops waiting for a reply, after
// a reply, a timeout or cancellation. It is nil for messages sent with Send.
func (m *Message) Abandoned() <-chan struct{} {
	return m.done
}

// Fail rejects the message with reason.
func (m *Message) Fail(reason string) {
	m.once.Do(func() {
		if m.reply != nil {
			m.reply <- reply{err: &RecipientError{Address: m.Address, Reason: reason}}
		}
	})
}

// Handler consumes messages for an address.
type Handler func(ctx context.Context, msg *Message)

type registration struct {
	id      uint64
	handler Handler
}

// Bus is an in-process Transport. Several handlers may share an address;
// deliveries rotate between them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	rr       atomic.Uint64
	timeout  time.Duration
}

// NewBus creates a bus whose requests time out after replyTimeout.
func NewBus(replyTimeout time.Duration) *Bus {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &Bus{
		handlers: make(map[string][]registration),
		timeout:  replyTimeout,
	}
}

// Register attaches h to address and returns a function that detaches it.
func (b *Bus) Register(address string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[address] = append(b.handlers[address], registration{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[address]
		for i, r := range regs {
			if r.id == id {
				b.handlers[address] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(b.handlers[address]) == 0 {
			delete(b.handlers, address)
		}
	}
}

// HasHandler reports whether anything listens on address.
func (b *Bus) HasHandler(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[address]) > 0
}

func (b *Bus) pick(address string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	regs := b.handlers[address]
	if len(regs) == 0 {
		return nil, false
	}
	n := b.rr.Add(1)
	return regs[int(n%uint64(len(regs)))].handler, true //nolint:gosec // index within len
}

func (b *Bus) Send(ctx context.Context, address string, body []byte) error {
	h, ok := b.pick(address)
	if !ok {
		return ErrNoDestination
	}
	msg := &Message{ID: uuid.NewString(), Address: address, Body: body}
	go h(context.WithoutCancel(ctx), msg)
	return nil
}

func (b *Bus) Request(ctx context.Context, address string, body []byte) ([]byte, error) {
	h, ok := b.pick(address)
	if !ok {
		return nil, ErrNoDestination
	}
	replies := make(chan reply, 1)
	done := make(chan struct{})
	defer close(done)
	msg := &Message{ID: uuid.NewString(), Address: address, Body: body, reply: replies, done: done}
	go h(context.WithoutCancel(ctx), msg)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		return r.body, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
