package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/store"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func dial(t *testing.T, hub *Hub, scope *auth.ScopeSet) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "tester", scope)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for registration before broadcasting.
	require.Eventually(t, func() bool { return hub.ClientCount() > 0 },
		time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestBroadcastReachesUnsubscribedClient(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.Unrestricted())

	hub.Broadcast(store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 100})

	ev := readEvent(t, conn)
	require.Equal(t, "new_message", ev.Type)
	require.Equal(t, int64(100), ev.ChatID)
}

func TestScopeFiltersBroadcast(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.NewScope([]int64{200}))

	hub.Broadcast(store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 100})
	hub.Broadcast(store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 200})

	// Only the in-scope event arrives.
	ev := readEvent(t, conn)
	require.Equal(t, int64(200), ev.ChatID)
}

func TestSubscriptionNarrowsDelivery(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.Unrestricted())

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "chat_id": 300}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply clientReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "subscribed", reply.Type)
	require.Equal(t, int64(300), reply.ChatID)

	hub.Broadcast(store.ChangeEvent{Type: store.ChangeEdit, ChatID: 100})
	hub.Broadcast(store.ChangeEvent{Type: store.ChangeEdit, ChatID: 300})

	ev := readEvent(t, conn)
	require.Equal(t, int64(300), ev.ChatID)

	// Unsubscribing reverts to receive-everything.
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "chat_id": 300}))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "unsubscribed", reply.Type)

	hub.Broadcast(store.ChangeEvent{Type: store.ChangeDelete, ChatID: 100})
	ev = readEvent(t, conn)
	require.Equal(t, int64(100), ev.ChatID)
}

func TestSubscribeOutOfScopeIgnored(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.NewScope([]int64{200}))

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "chat_id": 100}))
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))

	// No subscribed ack for the out-of-scope chat; pong comes straight back.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply clientReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "pong", reply.Type)
}

func TestPingPong(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.Unrestricted())

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply clientReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "pong", reply.Type)
}

func TestRejectUnauthorizedCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(RejectUnauthorized))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseUnauthorized, closeErr.Code)
}

func TestMalformedFrameIgnored(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.Unrestricted())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	hub.Broadcast(store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 1})

	ev := readEvent(t, conn)
	require.Equal(t, int64(1), ev.ChatID)
}

func TestEventPayloadShape(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, auth.Unrestricted())

	raw := json.RawMessage(`{"id":7,"text":"hi"}`)
	hub.Broadcast(store.ChangeEvent{
		Type:   store.ChangeNewMessage,
		ChatID: 42,
		Data:   store.ChangeData{Message: raw},
	})

	// The kind-specific keys are flattened into the top-level frame.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &got))
	require.JSONEq(t, `"new_message"`, string(got["type"]))
	require.JSONEq(t, `42`, string(got["chat_id"]))
	require.JSONEq(t, string(raw), string(got["message"]))
	require.NotContains(t, got, "data")

	hub.Broadcast(store.ChangeEvent{
		Type:   store.ChangeEdit,
		ChatID: 42,
		Data:   store.ChangeData{MessageID: 7, NewText: "hi!", EditDate: "2025-06-01T12:00:00"},
	})

	ev := readEvent(t, conn)
	require.Equal(t, "edit", ev.Type)
	require.Equal(t, int64(7), ev.MessageID)
	require.Equal(t, "hi!", ev.NewText)
	require.Equal(t, "2025-06-01T12:00:00", ev.EditDate)
	require.False(t, ev.Timestamp.IsZero())
}
