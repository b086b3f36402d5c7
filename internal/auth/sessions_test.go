package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore(time.Hour, 10)

	sess, err := store.Create("alice", RoleViewer, NewScope([]int64{100}))
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	got, ok := store.Get(sess.Token)
	require.True(t, ok)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, RoleViewer, got.Role)
	require.True(t, got.Scope.Allows(100))
	require.False(t, got.Scope.Allows(200))

	require.True(t, store.Delete(sess.Token))
	_, ok = store.Get(sess.Token)
	require.False(t, ok)
	require.False(t, store.Delete(sess.Token))
}

func TestSessionLastAccessedAdvances(t *testing.T) {
	store := NewSessionStore(time.Hour, 10)

	sess, err := store.Create("alice", RoleViewer, nil)
	require.NoError(t, err)
	require.False(t, sess.LastAccessed.IsZero())

	time.Sleep(2 * time.Millisecond)
	got, ok := store.Get(sess.Token)
	require.True(t, ok)
	require.True(t, got.LastAccessed.After(sess.LastAccessed))
}

func TestSessionExpiry(t *testing.T) {
	store := NewSessionStore(-time.Second, 10) // already expired on creation

	sess, err := store.Create("alice", RoleMaster, nil)
	require.NoError(t, err)

	_, ok := store.Get(sess.Token)
	require.False(t, ok)
}

func TestSessionQuotaEvictsOldest(t *testing.T) {
	store := NewSessionStore(time.Hour, 3)

	var tokens []string
	for i := 0; i < 3; i++ {
		sess, err := store.Create("alice", RoleViewer, nil)
		require.NoError(t, err)
		tokens = append(tokens, sess.Token)
		// Distinct creation times so eviction order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	// Fourth login evicts the first session only.
	sess, err := store.Create("alice", RoleViewer, nil)
	require.NoError(t, err)

	_, ok := store.Get(tokens[0])
	require.False(t, ok, "oldest session should be evicted")
	for _, tok := range tokens[1:] {
		_, ok := store.Get(tok)
		require.True(t, ok)
	}
	_, ok = store.Get(sess.Token)
	require.True(t, ok)
}

func TestSessionQuotaPerUser(t *testing.T) {
	store := NewSessionStore(time.Hour, 1)

	a, err := store.Create("alice", RoleViewer, nil)
	require.NoError(t, err)
	b, err := store.Create("bob", RoleViewer, nil)
	require.NoError(t, err)

	// Bob's login must not evict Alice.
	_, ok := store.Get(a.Token)
	require.True(t, ok)
	_, ok = store.Get(b.Token)
	require.True(t, ok)
}

func TestDeleteUserSessions(t *testing.T) {
	store := NewSessionStore(time.Hour, 10)

	for i := 0; i < 3; i++ {
		_, err := store.Create("alice", RoleViewer, nil)
		require.NoError(t, err)
	}
	keep, err := store.Create("bob", RoleViewer, nil)
	require.NoError(t, err)

	require.Equal(t, 3, store.DeleteUserSessions("alice"))
	require.Equal(t, 1, store.Count())
	_, ok := store.Get(keep.Token)
	require.True(t, ok)
}
