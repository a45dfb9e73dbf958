package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Size())
	require.Equal(t, 3, Pagination{Limit: 3}.Size())
	require.Equal(t, MaxLimit, Pagination{Limit: 9000}.Size())
}

func TestBuildCursorPageInfo(t *testing.T) {
	ids := func(s string) Cursor { return Cursor{ID: s} }

	rows, info, err := BuildCursorPageInfo([]string{"a", "b"}, 2, ids)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)

	rows, info, err = BuildCursorPageInfo([]string{"a", "b", "c"}, 2, ids)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, rows)
	require.True(t, info.HasMore)

	c, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "b", c.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}
