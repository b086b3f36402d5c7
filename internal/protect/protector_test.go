package protect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/internal/store"
)

func newTestProtector(threshold int, window, delay time.Duration) (*Protector, *time.Time) {
	p := New(threshold, window, delay)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, &now
}

func deleteEvent(chatID, msgID int64) store.ChangeEvent {
	return store.ChangeEvent{
		Type:   store.ChangeDelete,
		ChatID: chatID,
		Data:   store.ChangeData{MessageID: msgID},
	}
}

func TestSlowOperationsPassThrough(t *testing.T) {
	p, now := newTestProtector(10, 30*time.Second, 2*time.Second)

	require.True(t, p.Queue(deleteEvent(100, 1)))
	require.True(t, p.Queue(deleteEvent(100, 2)))

	// Not aged yet.
	require.Empty(t, p.Release())

	*now = now.Add(3 * time.Second)
	released := p.Release()
	require.Len(t, released, 2)
	require.Equal(t, int64(1), released[0].Data.MessageID)
	require.Equal(t, int64(2), released[1].Data.MessageID)

	// Buffer drained.
	require.Empty(t, p.Release())
	require.Zero(t, p.Stats().Pending)
}

func TestBurstDiscardsEntireBuffer(t *testing.T) {
	p, _ := newTestProtector(10, 30*time.Second, 2*time.Second)

	for i := 1; i < 10; i++ {
		require.True(t, p.Queue(deleteEvent(100, int64(i))), "op %d should buffer", i)
	}
	// Tenth op trips the threshold and takes all ten with it.
	require.False(t, p.Queue(deleteEvent(100, 10)))

	stats := p.Stats()
	require.Equal(t, int64(10), stats.Discarded)
	require.Equal(t, int64(1), stats.BurstsDetected)
	require.Equal(t, 1, stats.CurrentlyBlocked)
	require.Zero(t, stats.Pending, "zero footprint: nothing survives the burst")
	require.Empty(t, p.Release())
}

func TestBlockedChatDiscardsImmediately(t *testing.T) {
	p, now := newTestProtector(3, 30*time.Second, 2*time.Second)

	p.Queue(deleteEvent(100, 1))
	p.Queue(deleteEvent(100, 2))
	p.Queue(deleteEvent(100, 3)) // trips

	require.False(t, p.Queue(deleteEvent(100, 4)))
	require.Equal(t, int64(4), p.Stats().Discarded)

	// Block expires after the window.
	*now = now.Add(31 * time.Second)
	require.True(t, p.Queue(deleteEvent(100, 5)))
	require.Zero(t, p.Stats().CurrentlyBlocked)
}

func TestChatsAreIsolated(t *testing.T) {
	p, now := newTestProtector(3, 30*time.Second, 2*time.Second)

	p.Queue(deleteEvent(100, 1))
	p.Queue(deleteEvent(100, 2))
	p.Queue(deleteEvent(100, 3)) // chat 100 blocked

	require.True(t, p.Queue(deleteEvent(200, 1)), "other chat unaffected")

	*now = now.Add(3 * time.Second)
	released := p.Release()
	require.Len(t, released, 1)
	require.Equal(t, int64(200), released[0].ChatID)
}

func TestBlockAfterQueueDiscardsBuffered(t *testing.T) {
	p, now := newTestProtector(5, 30*time.Second, 10*time.Second)

	// Two ops buffered early.
	p.Queue(deleteEvent(100, 1))
	p.Queue(deleteEvent(100, 2))

	// Burst arrives before the early ops age out.
	*now = now.Add(time.Second)
	p.Queue(deleteEvent(100, 3))
	p.Queue(deleteEvent(100, 4))
	require.False(t, p.Queue(deleteEvent(100, 5)))

	*now = now.Add(15 * time.Second)
	require.Empty(t, p.Release(), "pre-burst ops discarded with the burst")
	require.Equal(t, int64(5), p.Stats().Discarded)
}

func TestReleaseKeepsYoungOps(t *testing.T) {
	p, now := newTestProtector(10, 30*time.Second, 2*time.Second)

	p.Queue(deleteEvent(100, 1))
	*now = now.Add(3 * time.Second)
	p.Queue(deleteEvent(100, 2)) // too young at release time

	released := p.Release()
	require.Len(t, released, 1)
	require.Equal(t, int64(1), released[0].Data.MessageID)
	require.Equal(t, 1, p.Stats().Pending)
}

func TestStatsTracking(t *testing.T) {
	p, now := newTestProtector(3, 30*time.Second, 2*time.Second)

	p.Queue(deleteEvent(100, 1))
	*now = now.Add(3 * time.Second)
	applied := p.Release()
	p.MarkApplied(len(applied))

	for i := 0; i < 3; i++ {
		p.Queue(deleteEvent(200, int64(i)))
	}

	stats := p.Stats()
	require.Equal(t, int64(1), stats.Applied)
	require.Equal(t, int64(3), stats.Discarded)
	require.Equal(t, int64(1), stats.BurstsDetected)
	require.Equal(t, int64(1), stats.ProtectedChats)

	blocked := p.BlockedChats()
	require.Len(t, blocked, 1)
	require.Equal(t, int64(200), blocked[0].ChatID)
	require.Equal(t, 3, blocked[0].BurstSize)
}

func TestProtectedChatsCountsDistinct(t *testing.T) {
	p, now := newTestProtector(2, time.Second, time.Millisecond)

	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			p.Queue(deleteEvent(100, int64(round*10+i)))
		}
		*now = now.Add(2 * time.Second)
	}
	require.Equal(t, int64(1), p.Stats().ProtectedChats, "same chat tripped repeatedly counts once")
	require.Equal(t, int64(3), p.Stats().BurstsDetected)
}

func TestManyChatsConcurrentBuffering(t *testing.T) {
	p, now := newTestProtector(10, 30*time.Second, 2*time.Second)

	for c := int64(1); c <= 5; c++ {
		for i := int64(0); i < 3; i++ {
			require.True(t, p.Queue(deleteEvent(c, i)), fmt.Sprintf("chat %d op %d", c, i))
		}
	}
	require.Equal(t, 15, p.Stats().Pending)

	*now = now.Add(3 * time.Second)
	require.Len(t, p.Release(), 15)
}
