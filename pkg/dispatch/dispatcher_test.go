package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/actions"
	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/executor"
	"github.com/strophon/actionserver/pkg/session"
	"github.com/strophon/actionserver/pkg/store"
	"github.com/strophon/actionserver/pkg/transport"
)

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]*contracts.Event
}

func (c *capturePublisher) DeliverLive(_ context.Context, events []*contracts.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, events)
	return nil
}

type fixture struct {
	d        *Dispatcher
	sessions *session.MemoryStore
	data     *store.MemoryStore
	pub      *capturePublisher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	types := actions.Catalog()
	table, err := action.NewTable(types...)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(action.NewRegistry(types, table.Lookup), executor.WithLogger(logger))

	sessions := session.NewMemoryStore(0)
	data := store.NewMemoryStore()
	data.PutUser(&contracts.User{ID: 1, Name: "ann"})
	data.PutUser(&contracts.User{ID: 2, Name: "bob"})
	require.NoError(t, sessions.SetSessionID(context.Background(), 1, "sessone"))
	require.NoError(t, sessions.SetSessionID(context.Background(), 2, "sesstwo"))

	pub := &capturePublisher{}
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &fixture{
		d:        New(exec, sessions, data, pub, opts...),
		sessions: sessions,
		data:     data,
		pub:      pub,
	}
}

func request(typ string, user int64, sid string, payload any) []byte {
	in := contracts.ActionInput{ActionType: typ, UserID: user, SessionID: sid}
	if payload != nil {
		in.Payload, _ = json.Marshal(payload)
	}
	raw, _ := json.Marshal(in)
	return raw
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t)
	res := f.d.Handle(context.Background(), request(actions.TypeMessage, 1, "SESSONE", map[string]any{"to": 2, "text": "hi"}))
	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, actions.TypeMessage, res.Type)

	f.d.Wait()
	require.Len(t, f.pub.batches, 1)
	require.Len(t, f.pub.batches[0], 1)
	assert.Equal(t, int64(2), *f.pub.batches[0][0].UserID)
	assert.NotZero(t, f.pub.batches[0][0].ID)
}

func TestHandle_FailedActionPublishesNothing(t *testing.T) {
	f := newFixture(t)
	res := f.d.Handle(context.Background(), request(actions.TypeMessage, 1, "sessone", map[string]any{"to": 9, "text": "hi"}))
	assert.False(t, res.Succeeded())
	assert.Equal(t, "No such recipient", res.Error)

	f.d.Wait()
	assert.Empty(t, f.pub.batches)
}

func TestHandle_GenericRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.SetSessionID(ctx, 3, "ghost"))

	cases := map[string][]byte{
		"malformed":     []byte("{not json"),
		"unknown type":  request("NOPE", 1, "sessone", nil),
		"empty type":    request("", 1, "sessone", nil),
		"no session":    request(actions.TypePing, 4, "x", nil),
		"null session":  request(actions.TypePing, 1, "", nil),
		"wrong session": request(actions.TypePing, 1, "sesstwo", nil),
		"missing user":  request(actions.TypeRename, 3, "ghost", map[string]string{"name": "z"}),
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			res := f.d.Handle(ctx, raw)
			assert.False(t, res.Succeeded())
			assert.Equal(t, MsgGeneric, res.Error)
			assert.Empty(t, res.Type)
		})
	}
	f.d.Wait()
	assert.Empty(t, f.pub.batches)
	assert.Zero(t, f.data.Commits())
}

func TestHandle_Paused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Pause(ctx))

	res := f.d.Handle(ctx, request(actions.TypeRename, 1, "sessone", map[string]string{"name": "zed"}))
	assert.Equal(t, MsgPaused, res.Error)

	res = f.d.Handle(ctx, request(actions.TypePing, 1, "sessone", nil))
	assert.True(t, res.Succeeded())
	assert.Equal(t, "pong", res.Result)

	was, err := f.sessions.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, was)
	res = f.d.Handle(ctx, request(actions.TypeRename, 1, "sessone", map[string]string{"name": "zed"}))
	assert.True(t, res.Succeeded(), res.Error)
}

func TestHandle_RateLimited(t *testing.T) {
	f := newFixture(t, WithRateLimit(0.001, 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.True(t, f.d.Handle(ctx, request(actions.TypePing, 1, "sessone", nil)).Succeeded())
	}
	assert.Equal(t, MsgGeneric, f.d.Handle(ctx, request(actions.TypePing, 1, "sessone", nil)).Error)
	assert.True(t, f.d.Handle(ctx, request(actions.TypePing, 2, "sesstwo", nil)).Succeeded())
}

func TestHandle_CancelledBeforeSlot(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.d.Handle(ctx, request(actions.TypePing, 1, "sessone", nil))
	assert.Equal(t, MsgGeneric, res.Error)
}

func TestHandle_RandomActionsAreSeeded(t *testing.T) {
	f := newFixture(t, WithTokenSize(8))
	res := f.d.Handle(context.Background(), request(actions.TypeRoll, 1, "sessone", map[string]int{"dice": 3}))
	require.True(t, res.Succeeded(), res.Error)

	var faces []int
	require.NoError(t, json.Unmarshal([]byte(res.Result), &faces))
	assert.Len(t, faces, 3)

	f.d.Wait()
	require.Len(t, f.pub.batches, 1)
	assert.True(t, f.pub.batches[0][0].IsBroadcast())
}

func TestRegister_ServesActionAddress(t *testing.T) {
	f := newFixture(t)
	bus := transport.NewBus(time.Second)
	defer f.d.Register(bus)()

	body, err := bus.Request(context.Background(), transport.AddressAction, request(actions.TypePing, 2, "sesstwo", nil))
	require.NoError(t, err)

	var res contracts.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Succeeded())
	assert.Equal(t, "pong", res.Result)
	assert.Equal(t, actions.TypePing, res.Type)
}
