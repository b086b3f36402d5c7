package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginLimiterBlocksAfterMax(t *testing.T) {
	l := NewLoginLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("1.2.3.4"), "attempt %d", i)
		l.Record("1.2.3.4")
	}
	require.False(t, l.Allow("1.2.3.4"))
	require.Greater(t, l.RetryAfter("1.2.3.4"), time.Duration(0))

	// Other IPs are unaffected.
	require.True(t, l.Allow("5.6.7.8"))
}

func TestLoginLimiterCountsEveryAttempt(t *testing.T) {
	l := NewLoginLimiter(3, time.Minute)

	// Two bad guesses and one good login all land in the same window.
	l.Record("1.2.3.4")
	l.Record("1.2.3.4")
	l.Record("1.2.3.4")

	require.False(t, l.Allow("1.2.3.4"))
	require.Greater(t, l.RetryAfter("1.2.3.4"), time.Duration(0))
}

func TestLoginLimiterWindowSlides(t *testing.T) {
	l := NewLoginLimiter(2, 10*time.Millisecond)

	l.Record("1.2.3.4")
	l.Record("1.2.3.4")
	require.False(t, l.Allow("1.2.3.4"))

	time.Sleep(15 * time.Millisecond)
	require.True(t, l.Allow("1.2.3.4"))
}

func TestLoginLimiterCleanup(t *testing.T) {
	l := NewLoginLimiter(5, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		l.Record(fmt.Sprintf("10.0.0.%d", i))
	}
	time.Sleep(10 * time.Millisecond)
	l.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Empty(t, l.attempts)
}
