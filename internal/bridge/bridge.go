// Package bridge connects the archive change stream to the live delivery
// paths: websocket fan-out, push notifications and the protected write-back
// of edits and deletes.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/metrics"
	"github.com/chatvault/chatvault/internal/protect"
	"github.com/chatvault/chatvault/internal/push"
	"github.com/chatvault/chatvault/internal/store"
	"github.com/chatvault/chatvault/internal/ws"
)

// releaseInterval is the cadence of the buffer release loop. Short enough
// that edits feel live, long enough that a burst trips the protector before
// anything is applied.
const releaseInterval = 500 * time.Millisecond

// Bridge routes change events. New messages go straight out; destructive
// operations pass through the protector first.
type Bridge struct {
	store     store.Store
	hub       *ws.Hub
	push      *push.Dispatcher
	protector *protect.Protector
	filter    *auth.ScopeSet // master display filter

	interval time.Duration

	// Snapshots for delta-publishing protector counters to Prometheus.
	lastDiscarded int64
	lastBursts    int64
}

// New wires a bridge. push may be nil when notifications are off.
func New(st store.Store, hub *ws.Hub, dispatcher *push.Dispatcher, protector *protect.Protector, filter *auth.ScopeSet) *Bridge {
	return &Bridge{
		store:     st,
		hub:       hub,
		push:      dispatcher,
		protector: protector,
		filter:    filter,
		interval:  releaseInterval,
	}
}

// Run consumes the change stream until the context is canceled or the stream
// closes. On the way out it drains the buffer so slow-path operations queued
// before shutdown still land.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	// Lets the stats endpoint report how long the live bridge has been up.
	since := time.Now().UTC().Format(time.RFC3339)
	if err := b.store.SetMetadata(ctx, "listener_active_since", since); err != nil {
		log.Warn().Err(err).Msg("record bridge start time")
	}

	events := b.store.ChangeEvents()
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case ev, ok := <-events:
			if !ok {
				b.drain()
				return
			}
			b.handle(ctx, ev)
		case <-ticker.C:
			b.apply(ctx, b.protector.Release())
			b.syncProtectorMetrics()
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev store.ChangeEvent) {
	metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()

	if !b.filter.Allows(ev.ChatID) {
		return
	}

	switch ev.Type {
	case store.ChangeNewMessage:
		// New content is harmless and goes out immediately.
		b.hub.Broadcast(ev)
		if b.push.Enabled() {
			b.push.HandleEvent(ctx, ev)
		}
	case store.ChangeEdit, store.ChangeDelete:
		b.protector.Queue(ev)
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("unknown change event type")
	}
}

// apply writes released operations to storage and fans out the ones that
// landed.
func (b *Bridge) apply(ctx context.Context, ops []store.ChangeEvent) {
	if len(ops) == 0 {
		return
	}

	applied := 0
	for _, ev := range ops {
		var err error
		switch ev.Type {
		case store.ChangeEdit:
			err = b.store.UpdateMessageText(ctx, ev.ChatID, ev.Data.MessageID,
				ev.Data.NewText, parseEditDate(ev.Data.EditDate))
		case store.ChangeDelete:
			err = b.store.DeleteMessage(ctx, ev.ChatID, ev.Data.MessageID)
		}

		switch {
		case err == nil:
			applied++
			metrics.OpsApplied.Inc()
			b.hub.Broadcast(ev)
		case errors.Is(err, store.ErrNotFound):
			// Already gone; a delete raced an earlier delete or purge.
			log.Debug().Int64("chat_id", ev.ChatID).Int64("message_id", ev.Data.MessageID).
				Str("type", string(ev.Type)).Msg("released operation targets missing message")
		default:
			metrics.BridgeErrors.Inc()
			log.Error().Err(err).Int64("chat_id", ev.ChatID).Int64("message_id", ev.Data.MessageID).
				Str("type", string(ev.Type)).Msg("apply change event")
		}
	}
	if applied > 0 {
		b.protector.MarkApplied(applied)
	}
}

// syncProtectorMetrics publishes protector counter growth to Prometheus.
func (b *Bridge) syncProtectorMetrics() {
	s := b.protector.Stats()
	if d := s.Discarded - b.lastDiscarded; d > 0 {
		metrics.OpsDiscarded.Add(float64(d))
	}
	if d := s.BurstsDetected - b.lastBursts; d > 0 {
		metrics.BurstsDetected.Add(float64(d))
	}
	b.lastDiscarded = s.Discarded
	b.lastBursts = s.BurstsDetected
}

// drain applies whatever is still buffered, with a short deadline detached
// from the canceled run context.
func (b *Bridge) drain() {
	ops := b.protector.Flush()
	if len(ops) == 0 {
		return
	}
	log.Info().Int("pending", len(ops)).Msg("draining buffered operations")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.apply(ctx, ops)
}

// parseEditDate accepts the timestamp formats archivers emit. Zero input
// falls back to now so an edit always carries a date.
func parseEditDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC().Truncate(time.Second)
}
