package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strophon/actionserver/pkg/config"
	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/executor"
	"github.com/strophon/actionserver/pkg/transport"
)

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	code := Run([]string{"actiond", "help"}, &out, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "Usage: actiond")
}

func TestRun_UnknownCommand(t *testing.T) {
	var errOut bytes.Buffer
	code := Run([]string{"actiond", "launch"}, io.Discard, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: launch")
}

func TestRun_PauseWithMemorySessions(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	var out bytes.Buffer
	assert.Equal(t, 0, Run([]string{"actiond", "pause"}, &out, io.Discard))
	assert.Equal(t, "paused\n", out.String())

	out.Reset()
	assert.Equal(t, 0, Run([]string{"actiond", "resume"}, &out, io.Discard))
	assert.Equal(t, "not paused\n", out.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, executor.LevelTrace, parseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DatabaseDriver:       "sqlite",
		DatabaseURL:          filepath.Join(t.TempDir(), "actiond.db"),
		TokenSize:            20,
		AckTimeout:           2 * time.Second,
		MaxConcurrentActions: 4,
		IPErrorThreshold:     3,
		RandomAlgorithm:      "hmac_sha256",
	}
}

type frame struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Address string          `json:"address,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func TestServer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := newServer(ctx, testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	dio, err := s.db.Open(ctx)
	require.NoError(t, err)
	ada := &contracts.User{Name: "ada", Email: "ada@example.com"}
	require.NoError(t, dio.AddUser(ctx, ada))
	require.NoError(t, dio.Commit(ctx, true))
	require.NoError(t, dio.Close())
	require.NoError(t, s.sessions.SetSessionID(ctx, ada.ID, "ADASESSION"))

	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session=ADASESSION"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		return s.bus.HasHandler(transport.ClientEventsAddress("ADASESSION"))
	}, 2*time.Second, 5*time.Millisecond)

	send := func(id, actionType, payload string) {
		body, err := json.Marshal(contracts.ActionInput{
			ActionType: actionType,
			UserID:     ada.ID,
			SessionID:  "adasession",
			Payload:    json.RawMessage(payload),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(frame{ID: id, Address: transport.AddressAction, Body: body}))
	}

	send("r1", "PING", "")
	var reply frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "r1", reply.ReplyTo)
	var res contracts.Result
	require.NoError(t, json.Unmarshal(reply.Body, &res))
	assert.True(t, res.Succeeded())
	assert.Equal(t, "pong", res.Result)

	send("r2", "RENAME", `{"name":"countess"}`)
	var gotReply, gotPush bool
	for !gotReply || !gotPush {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		switch {
		case f.ReplyTo == "r2":
			gotReply = true
			var renamed contracts.Result
			require.NoError(t, json.Unmarshal(f.Body, &renamed))
			assert.True(t, renamed.Succeeded())
			assert.Equal(t, "countess", renamed.Result)
		case f.Address == transport.ClientEventsAddress("ADASESSION"):
			gotPush = true
			evs, err := contracts.DecodeEvents(f.Body)
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Contains(t, evs[0].Data, "countess")
			require.NoError(t, conn.WriteJSON(frame{ReplyTo: f.ID, Body: json.RawMessage(`true`)}))
		default:
			t.Fatalf("unexpected frame %+v", f)
		}
	}

	s.dispatcher.Wait()
	dio, err = s.db.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = dio.Close() }()
	unseen, err := dio.GetUnseenEventsSinceFirstUnseen(ctx, ada.ID)
	require.NoError(t, err)
	assert.Empty(t, unseen)
}

func TestServer_BadTypesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ActionTypesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := newServer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
