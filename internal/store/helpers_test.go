package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeChatIDs(t *testing.T) {
	require.Nil(t, encodeChatIDs(nil))

	empty := encodeChatIDs([]int64{})
	require.NotNil(t, empty)
	require.Equal(t, "[]", *empty)

	some := encodeChatIDs([]int64{100, -1001234})
	require.Equal(t, "[100,-1001234]", *some)
}

func TestDecodeChatIDs(t *testing.T) {
	ids, err := decodeChatIDs(nil)
	require.NoError(t, err)
	require.Nil(t, ids)

	s := "[]"
	ids, err = decodeChatIDs(&s)
	require.NoError(t, err)
	require.NotNil(t, ids)
	require.Empty(t, ids)

	s = "[100,-1001234]"
	ids, err = decodeChatIDs(&s)
	require.NoError(t, err)
	require.Equal(t, []int64{100, -1001234}, ids)

	s = "not json"
	_, err = decodeChatIDs(&s)
	require.Error(t, err)
}

func TestRoundMB(t *testing.T) {
	require.Equal(t, 0.0, roundMB(0))
	require.Equal(t, 1.0, roundMB(1024*1024))
	require.Equal(t, 1.5, roundMB(1024*1024*3/2))
	require.Equal(t, 0.01, roundMB(10486)) // just over a hundredth
}
