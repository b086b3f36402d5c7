package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeNilMeansUnrestricted(t *testing.T) {
	s := NewScope(nil)
	require.True(t, s.IsUnrestricted())
	require.True(t, s.Allows(100))
	require.True(t, s.Allows(-1001234))
	require.Nil(t, s.IDs())
}

func TestScopeEmptyMeansNothing(t *testing.T) {
	s := NewScope([]int64{})
	require.False(t, s.IsUnrestricted())
	require.False(t, s.Allows(100))
	require.Empty(t, s.IDs())
}

func TestScopeAllowList(t *testing.T) {
	s := NewScope([]int64{100, -1001234})
	require.True(t, s.Allows(100))
	require.True(t, s.Allows(-1001234))
	require.False(t, s.Allows(200))
	require.Equal(t, []int64{-1001234, 100}, s.IDs())
}

func TestScopeIntersect(t *testing.T) {
	master := NewScope([]int64{100, 200, 300})
	viewer := NewScope([]int64{200, 300, 400})

	both := viewer.Intersect(master)
	require.False(t, both.Allows(100), "master-only chat not visible to viewer")
	require.True(t, both.Allows(200))
	require.True(t, both.Allows(300))
	require.False(t, both.Allows(400), "viewer cannot widen past the master filter")

	// Unrestricted on either side defers to the other.
	require.Equal(t, []int64{100, 200, 300}, Unrestricted().Intersect(master).IDs())
	require.Equal(t, []int64{100, 200, 300}, master.Intersect(Unrestricted()).IDs())
	require.True(t, Unrestricted().Intersect(Unrestricted()).IsUnrestricted())
}

func TestResolveChatIDsMarkedCorrection(t *testing.T) {
	archived := map[int64]bool{
		-1000000001234: true, // marked supergroup
		100:            true, // plain private chat
	}
	exists := func(_ context.Context, id int64) bool { return archived[id] }

	got := ResolveChatIDs(context.Background(), exists, []int64{1234, 100, 555})
	require.Equal(t, []int64{-1000000001234, 100, 555}, got)

	// nil stays nil: unrestricted must survive resolution.
	require.Nil(t, ResolveChatIDs(context.Background(), exists, nil))
}

func TestMarkedID(t *testing.T) {
	require.Equal(t, int64(-1000000001234), MarkedID(1234))
}
