package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/internal/store"
	"github.com/chatvault/chatvault/internal/store/storetest"
)

func newTestDispatcher(t *testing.T, st store.Store, mode string) *Dispatcher {
	t.Helper()
	priv, pub, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewDispatcher(st, mode, pub, priv, "mailto:ops@example.com")
}

// browserKeys returns a valid client key pair the push encryption accepts.
func browserKeys(t *testing.T) (p256dh, authSecret string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

func addSubscription(t *testing.T, f *storetest.Fake, endpoint string, allowed []int64) {
	t.Helper()
	p256dh, secret := browserKeys(t)
	require.NoError(t, f.UpsertPushSubscription(context.Background(), store.PushSubscription{
		Endpoint:       endpoint,
		P256dh:         p256dh,
		Auth:           secret,
		AllowedChatIDs: allowed,
	}))
}

func newMessageEvent(chatID int64, raw string) store.ChangeEvent {
	return store.ChangeEvent{
		Type:   store.ChangeNewMessage,
		ChatID: chatID,
		Data:   store.ChangeData{Message: json.RawMessage(raw)},
	}
}

func TestFullModeNotificationBody(t *testing.T) {
	f := storetest.New()
	title := "Team Chat"
	f.Chats[42] = store.Chat{ID: 42, Type: "group", Title: &title}
	d := newTestDispatcher(t, f, ModeFull)
	ctx := context.Background()

	n := d.buildNotification(ctx, newMessageEvent(42,
		`{"sender_name":"Ada","text":"hello there"}`))
	require.Equal(t, "Team Chat", n.Title)
	require.Equal(t, "Ada: hello there", n.Body)
	require.Equal(t, int64(42), n.Data.ChatID)

	// Media messages without text get a placeholder.
	n = d.buildNotification(ctx, newMessageEvent(42,
		`{"sender_name":"Ada","text":"","media_type":"photo"}`))
	require.Equal(t, "[Media]", n.Body)

	// Long text is truncated on a rune boundary.
	long := ""
	for i := 0; i < 150; i++ {
		long += "ä"
	}
	n = d.buildNotification(ctx, newMessageEvent(42,
		`{"sender_name":"Ada","text":"`+long+`"}`))
	require.Len(t, []rune(n.Body), len([]rune("Ada: "))+bodyPreviewRunes+1) // prefix, preview, ellipsis

	// Unknown chats keep the generic title.
	n = d.buildNotification(ctx, newMessageEvent(999,
		`{"sender_name":"Ada","text":"hi"}`))
	require.Equal(t, "New message", n.Title)
}

func TestBasicModeHidesContent(t *testing.T) {
	d := newTestDispatcher(t, storetest.New(), ModeBasic)

	n := d.buildNotification(context.Background(), newMessageEvent(42,
		`{"sender_name":"Ada","text":"secret"}`))
	require.Equal(t, "New message", n.Title)
	require.NotContains(t, n.Body, "secret")
}

func TestScopeFiltersDelivery(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := storetest.New()
	addSubscription(t, f, srv.URL+"/in-scope", []int64{100})
	addSubscription(t, f, srv.URL+"/out-of-scope", []int64{999})

	d := newTestDispatcher(t, f, ModeFull)
	d.HandleEvent(context.Background(), newMessageEvent(100, `{"text":"hi"}`))

	require.Equal(t, int64(1), hits.Load())
}

func TestEditsAreNotPushed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := storetest.New()
	addSubscription(t, f, srv.URL, nil)

	d := newTestDispatcher(t, f, ModeFull)
	d.HandleEvent(context.Background(), store.ChangeEvent{Type: store.ChangeEdit, ChatID: 100})
	d.HandleEvent(context.Background(), store.ChangeEvent{Type: store.ChangeDelete, ChatID: 100})

	require.Zero(t, hits.Load())
}

func TestGoneSubscriptionPruned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := storetest.New()
	addSubscription(t, f, srv.URL, nil)

	d := newTestDispatcher(t, f, ModeFull)
	d.HandleEvent(context.Background(), newMessageEvent(100, `{"text":"hi"}`))

	subs, err := f.ListPushSubscriptions(context.Background())
	require.NoError(t, err)
	require.Empty(t, subs, "gone endpoint should be removed")
}

func TestEndpointCooldown(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := storetest.New()
	addSubscription(t, f, srv.URL, nil)

	d := newTestDispatcher(t, f, ModeFull)
	d.HandleEvent(context.Background(), newMessageEvent(100, `{"text":"one"}`))
	d.HandleEvent(context.Background(), newMessageEvent(100, `{"text":"two"}`))

	require.Equal(t, int64(1), hits.Load(), "second notification inside cooldown is dropped")
}

func TestDisabledDispatcherIsInert(t *testing.T) {
	d := NewDispatcher(storetest.New(), ModeOff, "", "", "")
	require.False(t, d.Enabled())
	// Must not panic or call out.
	d.HandleEvent(context.Background(), newMessageEvent(100, `{}`))

	var nilDispatcher *Dispatcher
	require.False(t, nilDispatcher.Enabled())
}
