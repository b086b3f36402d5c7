package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/protect"
	"github.com/chatvault/chatvault/internal/store"
	"github.com/chatvault/chatvault/internal/store/storetest"
	"github.com/chatvault/chatvault/internal/ws"
)

type fixture struct {
	fake      *storetest.Fake
	hub       *ws.Hub
	protector *protect.Protector
	bridge    *Bridge
	cancel    context.CancelFunc
}

func newFixture(t *testing.T, threshold int, filter *auth.ScopeSet) *fixture {
	t.Helper()

	fake := storetest.New()
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	protector := protect.New(threshold, time.Second, 20*time.Millisecond)
	b := New(fake, hub, nil, protector, filter)
	b.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	return &fixture{fake: fake, hub: hub, protector: protector, bridge: b, cancel: cancel}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hub.ServeWS(w, r, "tester", auth.Unrestricted())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.ClientCount() > 0 },
		time.Second, 5*time.Millisecond)
	return conn
}

func seedMessage(f *storetest.Fake, chatID, msgID int64, text string) {
	f.Messages[chatID] = append(f.Messages[chatID], store.Message{
		ID: msgID, ChatID: chatID, Text: text,
		Date: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestNewMessageForwardedImmediately(t *testing.T) {
	fx := newFixture(t, 10, auth.Unrestricted())
	conn := fx.dial(t)

	fx.fake.Events <- store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 100}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev ws.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "new_message", ev.Type)
	require.Equal(t, int64(100), ev.ChatID)
}

func TestEditAppliedAfterBufferDelay(t *testing.T) {
	fx := newFixture(t, 10, auth.Unrestricted())
	seedMessage(fx.fake, 100, 1, "original")
	conn := fx.dial(t)

	fx.fake.Events <- store.ChangeEvent{
		Type:   store.ChangeEdit,
		ChatID: 100,
		Data: store.ChangeData{
			MessageID: 1,
			NewText:   "edited",
			EditDate:  "2025-06-01 12:05:00",
		},
	}

	// The edit is buffered, then applied and fanned out.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ws.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "edit", ev.Type)

	msgs, err := fx.fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, "edited", msgs[0].Text)
	require.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), msgs[0].EditDate.UTC())
}

func TestBurstLeavesArchiveUntouched(t *testing.T) {
	fx := newFixture(t, 5, auth.Unrestricted())
	for i := int64(1); i <= 10; i++ {
		seedMessage(fx.fake, 100, i, "keep me")
	}

	for i := int64(1); i <= 5; i++ {
		fx.fake.Events <- store.ChangeEvent{
			Type:   store.ChangeDelete,
			ChatID: 100,
			Data:   store.ChangeData{MessageID: i},
		}
	}

	// Give the release loop several cycles to misbehave if it were going to.
	time.Sleep(150 * time.Millisecond)

	msgs, err := fx.fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 20})
	require.NoError(t, err)
	require.Len(t, msgs, 10, "burst must not delete anything")
	require.Equal(t, int64(1), fx.protector.Stats().BurstsDetected)
}

func TestSlowDeleteGoesThrough(t *testing.T) {
	fx := newFixture(t, 10, auth.Unrestricted())
	seedMessage(fx.fake, 100, 1, "doomed")
	seedMessage(fx.fake, 100, 2, "survivor")

	fx.fake.Events <- store.ChangeEvent{
		Type:   store.ChangeDelete,
		ChatID: 100,
		Data:   store.ChangeData{MessageID: 1},
	}

	require.Eventually(t, func() bool {
		msgs, err := fx.fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 10})
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	msgs, _ := fx.fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 10})
	require.Equal(t, int64(2), msgs[0].ID)
}

func TestMasterFilterDropsEvents(t *testing.T) {
	fx := newFixture(t, 10, auth.NewScope([]int64{200}))
	seedMessage(fx.fake, 100, 1, "hidden chat")
	conn := fx.dial(t)

	// Out-of-filter events vanish entirely: no fan-out, no write-back.
	fx.fake.Events <- store.ChangeEvent{
		Type: store.ChangeDelete, ChatID: 100, Data: store.ChangeData{MessageID: 1},
	}
	fx.fake.Events <- store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 100}
	fx.fake.Events <- store.ChangeEvent{Type: store.ChangeNewMessage, ChatID: 200}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev ws.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, int64(200), ev.ChatID, "only the in-filter event arrives")

	time.Sleep(100 * time.Millisecond)
	msgs, err := fx.fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1, "filtered delete never applied")
}

func TestDrainAppliesPendingOnShutdown(t *testing.T) {
	fake := storetest.New()
	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()
	seedMessage(fake, 100, 1, "pending")

	// Long delay so the operation is still buffered when we cancel.
	protector := protect.New(10, time.Second, time.Hour)
	b := New(fake, hub, nil, protector, auth.Unrestricted())
	b.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	fake.Events <- store.ChangeEvent{
		Type: store.ChangeDelete, ChatID: 100, Data: store.ChangeData{MessageID: 1},
	}
	require.Eventually(t, func() bool { return protector.Stats().Pending == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done

	msgs, err := fake.GetMessages(context.Background(), store.MessageQuery{ChatID: 100, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, msgs, "buffered delete applied during drain")
}

func TestParseEditDate(t *testing.T) {
	require.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		parseEditDate("2025-06-01 12:05:00"))
	require.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		parseEditDate("2025-06-01T12:05:00Z"))
	require.WithinDuration(t, time.Now(), parseEditDate(""), time.Minute)
}

func TestStatsSchedulerInitialCompute(t *testing.T) {
	fake := storetest.New()
	fake.Chats[1] = store.Chat{ID: 1}
	seedMessage(fake, 1, 1, "hello")

	s := NewStatsScheduler(fake, 3, "UTC")
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		stats, err := fake.GetCachedStatistics(context.Background())
		return err == nil && stats.Chats == 1 && stats.Messages == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStatsSchedulerNextRun(t *testing.T) {
	s := NewStatsScheduler(storetest.New(), 3, "UTC")

	before := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC), s.nextRun(before))

	after := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), s.nextRun(after))

	exactly := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), s.nextRun(exactly))
}
