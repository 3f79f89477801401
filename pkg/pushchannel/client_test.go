package pushchannel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/models"
	"chatsync/internal/retry"
	"chatsync/internal/session"
)

var _ session.EventSource = (*Client)(nil)
var _ session.Emitter = (*Client)(nil)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastReconnect() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(Options{URL: url, UserID: "u1", Reconnect: fastReconnect(), Logger: quietLogger()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestConnect_JoinsRoomAndDeliversEvents(t *testing.T) {
	received := make(chan events.Envelope, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("userId"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var env events.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		received <- env

		_ = wsjson.Write(ctx, conn, events.Envelope{
			Event: events.NameNewMessage,
			Data:  json.RawMessage(`{"_id":"m1","sender":"u2","receiverId":"u1","content":"hi","createdAt":"2026-03-01T09:00:00Z"}`),
		})

		for {
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			received <- env
		}
	}))
	t.Cleanup(server.Close)

	c := newClient(t, wsURL(server))
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	join := receive(t, received)
	assert.Equal(t, events.NameJoinUserRoom, join.Event)
	assert.JSONEq(t, `"u1"`, string(join.Data))

	ev := receive(t, c.Events())
	created, ok := ev.(events.MessageCreated)
	require.True(t, ok)
	assert.Equal(t, "m1", created.Message.ID)
	assert.Equal(t, "u2", created.Message.Sender.ID)
	assert.Equal(t, "u1", created.Message.ReceiverID)

	out := models.Message{ID: "m2", Sender: models.Sender{ID: "u1"}, ReceiverID: "u2", Content: "back", CreatedAt: time.Now()}
	require.NoError(t, c.Emit(context.Background(), events.MessageCreated{Message: out, To: "u2"}))

	sent := receive(t, received)
	assert.Equal(t, events.NameSendMessage, sent.Event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(sent.Data, &payload))
	assert.Equal(t, "u2", payload["receiverId"])
	assert.Equal(t, "m2", payload["_id"])
}

func TestReconnect_SignalsAndRejoins(t *testing.T) {
	var connections int32
	joins := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := atomic.AddInt32(&connections, 1)

		var env events.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			return
		}
		if env.Event == events.NameJoinUserRoom {
			joins <- struct{}{}
		}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if err := wsjson.Read(r.Context(), conn, &env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	c := newClient(t, wsURL(server))
	require.NoError(t, c.Connect(context.Background()))

	receive(t, joins)
	receive(t, c.Reconnected())
	receive(t, joins)
	assert.Equal(t, int32(2), atomic.LoadInt32(&connections))
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	c := newClient(t, url)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeChannelClosed))
	assert.False(t, c.Connected())
}

func TestEmit_NotConnected(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1")

	err := c.Emit(context.Background(), events.PresenceOnline{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeChannelClosed))
	assert.True(t, errors.IsRetryable(err))
}

func TestClose_ClosesEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var env events.Envelope
		for {
			if err := wsjson.Read(r.Context(), conn, &env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	c := newClient(t, wsURL(server))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream not closed")
	}
	assert.False(t, c.Connected())
}
