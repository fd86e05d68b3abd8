package tileset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingRegister(t *testing.T) {
	t.Parallel()

	r := NewPendingRegister()
	require.True(t, r.IsZero("main", 1))

	r.Register("main", 1)
	r.Register("main", 1)
	r.Register("main", 2)
	r.Register("minimap", 1)
	require.Equal(t, 2, r.Count("main", 1))
	require.Equal(t, 1, r.Count("main", 2))
	require.Equal(t, 4, r.Total())
	require.False(t, r.IsZero("minimap", 1))

	r.Deregister("main", 1)
	r.Deregister("main", 1)
	require.True(t, r.IsZero("main", 1))
	require.Equal(t, 2, r.Total())

	// Never negative.
	r.Deregister("main", 1)
	r.Deregister("unknown", 7)
	require.Equal(t, 0, r.Count("main", 1))
	require.Equal(t, 2, r.Total())

	r.Deregister("main", 2)
	r.Deregister("minimap", 1)
	require.Equal(t, 0, r.Total())
	require.Empty(t, r.counts)
}
