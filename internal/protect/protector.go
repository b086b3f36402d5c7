// Package protect shields the archive from mass edit/delete bursts. Destructive
// operations are buffered briefly per chat; when too many arrive inside the
// detection window the whole buffer is discarded and the chat temporarily
// blocked, so a purge leaves no trace in the archive.
package protect

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

// Stats is a snapshot of protector counters.
type Stats struct {
	Applied          int64 `json:"applied"`
	Discarded        int64 `json:"discarded"`
	BurstsDetected   int64 `json:"bursts_detected"`
	ProtectedChats   int64 `json:"protected_chats"`
	CurrentlyBlocked int   `json:"currently_blocked"`
	Pending          int   `json:"pending"`
}

// BlockedChat describes one active block for the stats endpoint.
type BlockedChat struct {
	ChatID    int64     `json:"chat_id"`
	Until     time.Time `json:"until"`
	Reason    string    `json:"reason"`
	BurstSize int       `json:"burst_size"`
}

type bufferedOp struct {
	ev       store.ChangeEvent
	queuedAt time.Time
}

type block struct {
	until     time.Time
	reason    string
	burstSize int
}

// Protector buffers destructive operations per chat and trips a block when a
// chat exceeds the threshold within one buffer's worth of operations. All
// state lives behind one mutex; Queue and Release never block on I/O.
type Protector struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	delay     time.Duration

	buffers map[int64][]bufferedOp
	blocked map[int64]block

	applied   int64
	discarded int64
	bursts    int64
	protected map[int64]struct{}

	now func() time.Time
}

// New creates a protector. threshold is the per-chat operation count that
// trips a block, window how long a tripped chat stays blocked, delay how long
// an operation sits buffered before it becomes releasable.
func New(threshold int, window, delay time.Duration) *Protector {
	return &Protector{
		threshold: threshold,
		window:    window,
		delay:     delay,
		buffers:   make(map[int64][]bufferedOp),
		blocked:   make(map[int64]block),
		protected: make(map[int64]struct{}),
		now:       time.Now,
	}
}

// Queue offers a destructive operation to the buffer. Returns false when the
// operation was discarded, either because the chat is already blocked or
// because this operation tripped the threshold and took the whole buffer
// with it.
func (p *Protector) Queue(ev store.ChangeEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if b, ok := p.blocked[ev.ChatID]; ok {
		if now.Before(b.until) {
			p.discarded++
			return false
		}
		delete(p.blocked, ev.ChatID)
	}

	p.buffers[ev.ChatID] = append(p.buffers[ev.ChatID], bufferedOp{ev: ev, queuedAt: now})

	if len(p.buffers[ev.ChatID]) >= p.threshold {
		burst := len(p.buffers[ev.ChatID])
		delete(p.buffers, ev.ChatID)
		p.discarded += int64(burst)
		p.bursts++
		p.protected[ev.ChatID] = struct{}{}
		p.blocked[ev.ChatID] = block{
			until:     now.Add(p.window),
			reason:    "mass operation burst",
			burstSize: burst,
		}
		log.Warn().
			Int64("chat_id", ev.ChatID).
			Int("burst_size", burst).
			Dur("blocked_for", p.window).
			Msg("mass operation burst detected, buffer discarded")
		return false
	}
	return true
}

// Release returns the operations that have aged past the buffer delay, in
// queue order per chat. Operations of chats that became blocked after they
// were queued are discarded instead of returned.
func (p *Protector) Release() []store.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-p.delay)

	var ready []store.ChangeEvent
	for chatID, ops := range p.buffers {
		if b, ok := p.blocked[chatID]; ok && now.Before(b.until) {
			// Blocked after these were queued. They go down with the burst.
			p.discarded += int64(len(ops))
			delete(p.buffers, chatID)
			continue
		}

		n := 0
		for n < len(ops) && ops[n].queuedAt.Before(cutoff) {
			n++
		}
		if n == 0 {
			continue
		}
		for _, op := range ops[:n] {
			ready = append(ready, op.ev)
		}
		if n == len(ops) {
			delete(p.buffers, chatID)
		} else {
			p.buffers[chatID] = ops[n:]
		}
	}
	return ready
}

// Flush returns every buffered operation of non-blocked chats regardless of
// age. Used on shutdown so aged-but-unreleased operations are not lost.
func (p *Protector) Flush() []store.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []store.ChangeEvent
	for chatID, ops := range p.buffers {
		if b, ok := p.blocked[chatID]; ok && now.Before(b.until) {
			p.discarded += int64(len(ops))
			delete(p.buffers, chatID)
			continue
		}
		for _, op := range ops {
			out = append(out, op.ev)
		}
		delete(p.buffers, chatID)
	}
	return out
}

// MarkApplied records operations that made it all the way to storage.
func (p *Protector) MarkApplied(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied += int64(n)
}

// Stats returns a consistent snapshot of the counters.
func (p *Protector) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	pending := 0
	for _, ops := range p.buffers {
		pending += len(ops)
	}
	blocked := 0
	for _, b := range p.blocked {
		if now.Before(b.until) {
			blocked++
		}
	}
	return Stats{
		Applied:          p.applied,
		Discarded:        p.discarded,
		BurstsDetected:   p.bursts,
		ProtectedChats:   int64(len(p.protected)),
		CurrentlyBlocked: blocked,
		Pending:          pending,
	}
}

// BlockedChats lists the active blocks, most recent expiry last.
func (p *Protector) BlockedChats() []BlockedChat {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := []BlockedChat{}
	for chatID, b := range p.blocked {
		if now.Before(b.until) {
			out = append(out, BlockedChat{
				ChatID:    chatID,
				Until:     b.until,
				Reason:    b.reason,
				BurstSize: b.burstSize,
			})
		}
	}
	return out
}
