package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashPasswordDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, 64)

	h1 := HashPassword("correct horse", salt)
	h2 := HashPassword("correct horse", salt)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	other, err := NewSalt()
	require.NoError(t, err)
	require.NotEqual(t, salt, other)
	require.NotEqual(t, h1, HashPassword("correct horse", other))
}

func TestVerifyPassword(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	hash := HashPassword("hunter22", salt)

	require.True(t, VerifyPassword("hunter22", salt, hash))
	require.False(t, VerifyPassword("hunter2", salt, hash))
	require.False(t, VerifyPassword("hunter22", salt, hash+"00"))
}

func TestNewTokenUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		require.NotEmpty(t, tok)
		require.False(t, seen[tok])
		seen[tok] = true
	}
}
