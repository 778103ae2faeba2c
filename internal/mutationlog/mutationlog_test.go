package mutationlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIDIsStrictlyMonotonic(t *testing.T) {
	l := New()
	require.Equal(t, uint64(1), l.NextID())
	require.Equal(t, uint64(2), l.NextID())
	require.Equal(t, uint64(3), l.NextID())
}

func TestAckUpToRetainsOnlyUnacknowledged(t *testing.T) {
	l := New()
	l.Append(Mutation{ID: 1, Name: "a"})
	l.Append(Mutation{ID: 2, Name: "b"})
	l.Append(Mutation{ID: 3, Name: "c"})

	l.AckUpTo(2)

	pending := l.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, uint64(3), pending[0].ID)
}

func TestRestoreSeedsPendingAndNextID(t *testing.T) {
	l := New()
	l.Restore([]Mutation{{ID: 2, Name: "a"}, {ID: 3, Name: "b"}}, 3)

	require.Len(t, l.Pending(), 2)
	require.Equal(t, uint64(4), l.NextID())
}
