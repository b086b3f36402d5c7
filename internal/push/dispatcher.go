// Package push delivers Web Push notifications for new messages.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/metrics"
	"github.com/chatvault/chatvault/internal/store"
)

// Modes of operation. Basic sends a generic notification; full includes the
// sender and a text preview.
const (
	ModeOff   = "off"
	ModeBasic = "basic"
	ModeFull  = "full"
)

// bodyPreviewRunes caps the text preview length in full mode.
const bodyPreviewRunes = 100

// endpointCooldown is the minimum spacing between notifications to one
// endpoint, so a busy chat does not spam a phone.
const endpointCooldown = 2 * time.Second

// Dispatcher sends notifications to all stored subscriptions whose scope
// covers the chat.
type Dispatcher struct {
	store      store.Store
	mode       string
	vapidPub   string
	vapidPriv  string
	subscriber string
	client     *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher creates a dispatcher. mode must be one of ModeOff, ModeBasic
// or ModeFull.
func NewDispatcher(st store.Store, mode, vapidPub, vapidPriv, subscriber string) *Dispatcher {
	return &Dispatcher{
		store:      st,
		mode:       mode,
		vapidPub:   vapidPub,
		vapidPriv:  vapidPriv,
		subscriber: subscriber,
		client:     &http.Client{Timeout: 10 * time.Second},
		lastSent:   make(map[string]time.Time),
	}
}

// Enabled reports whether notifications are configured on.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.mode != ModeOff && d.vapidPub != "" && d.vapidPriv != ""
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (d *Dispatcher) PublicKey() string { return d.vapidPub }

// GenerateVAPIDKeys returns a fresh private/public key pair for first-time
// setup.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}

// messagePayload is the slice of the raw message the notification needs.
type messagePayload struct {
	ID             int64   `json:"id"`
	SenderName     *string `json:"sender_name"`
	SenderUsername *string `json:"sender_username"`
	Text           string  `json:"text"`
	MediaType      *string `json:"media_type"`
}

// notification is what the service worker receives.
type notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Icon  string           `json:"icon"`
	URL   string           `json:"url"`
	Data  notificationData `json:"data"`
}

type notificationData struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id,omitempty"`
}

// HandleEvent sends notifications for a new message. Edits and deletes are
// never pushed.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev store.ChangeEvent) {
	if !d.Enabled() || ev.Type != store.ChangeNewMessage {
		return
	}

	subs, err := d.store.ListPushSubscriptions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list push subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(d.buildNotification(ctx, ev))
	if err != nil {
		log.Error().Err(err).Msg("marshal push payload")
		return
	}

	// Deliveries run concurrently but bounded, so one slow push service does
	// not stall the event loop for everyone.
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for _, sub := range subs {
		if !auth.NewScope(sub.AllowedChatIDs).Allows(ev.ChatID) {
			continue
		}
		if !d.allowEndpoint(sub.Endpoint) {
			metrics.PushSent.WithLabelValues("throttled").Inc()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sub store.PushSubscription) {
			defer wg.Done()
			defer func() { <-sem }()
			d.send(ctx, sub, payload)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) buildNotification(ctx context.Context, ev store.ChangeEvent) notification {
	n := notification{
		Title: "New message",
		Body:  "You have a new message",
		Icon:  "/icon-192.png",
		URL:   "/#chat=" + strconv.FormatInt(ev.ChatID, 10),
		Data:  notificationData{ChatID: ev.ChatID},
	}

	var msg messagePayload
	if err := json.Unmarshal(ev.Data.Message, &msg); err != nil {
		return n
	}
	n.Data.MessageID = msg.ID
	if d.mode != ModeFull {
		return n
	}

	if chat, err := d.store.GetChat(ctx, ev.ChatID); err == nil {
		if title := chatTitle(chat); title != "" {
			n.Title = title
		}
	}

	sender := "Someone"
	if msg.SenderName != nil && *msg.SenderName != "" {
		sender = *msg.SenderName
	} else if msg.SenderUsername != nil && *msg.SenderUsername != "" {
		sender = *msg.SenderUsername
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "" && msg.MediaType != nil:
		n.Body = "[Media]"
	case text == "":
		n.Body = sender + " sent a message"
	default:
		if utf8.RuneCountInString(text) > bodyPreviewRunes {
			runes := []rune(text)
			text = string(runes[:bodyPreviewRunes]) + "…"
		}
		n.Body = sender + ": " + text
	}
	return n
}

func chatTitle(c *store.Chat) string {
	if c.Title != nil && *c.Title != "" {
		return *c.Title
	}
	name := ""
	if c.FirstName != nil {
		name = strings.TrimSpace(*c.FirstName)
	}
	if c.LastName != nil && *c.LastName != "" {
		name = strings.TrimSpace(name + " " + *c.LastName)
	}
	if name != "" {
		return name
	}
	if c.Username != nil && *c.Username != "" {
		return "@" + *c.Username
	}
	return ""
}

// allowEndpoint enforces the per-endpoint cooldown.
func (d *Dispatcher) allowEndpoint(endpoint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.lastSent[endpoint]; ok && now.Sub(last) < endpointCooldown {
		return false
	}
	d.lastSent[endpoint] = now

	// Opportunistic cleanup keeps the map from growing with dead endpoints.
	if len(d.lastSent) > 1024 {
		cutoff := now.Add(-time.Hour)
		for ep, t := range d.lastSent {
			if t.Before(cutoff) {
				delete(d.lastSent, ep)
			}
		}
	}
	return true
}

func (d *Dispatcher) send(ctx context.Context, sub store.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      d.client,
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.vapidPub,
		VAPIDPrivateKey: d.vapidPriv,
		TTL:             3600,
	})
	if err != nil {
		metrics.PushSent.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("push delivery failed")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Subscription expired on the push service side.
		if _, err := d.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			log.Error().Err(err).Msg("prune expired push subscription")
		} else {
			log.Info().Msg("expired push subscription pruned")
		}
		metrics.PushSent.WithLabelValues("expired").Inc()
	case resp.StatusCode >= 400:
		metrics.PushSent.WithLabelValues("error").Inc()
		log.Warn().Int("status", resp.StatusCode).Msg("push service rejected notification")
	default:
		metrics.PushSent.WithLabelValues("ok").Inc()
	}
}
