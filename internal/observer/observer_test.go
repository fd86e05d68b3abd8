package observer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubPublish(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	err := h.Publish([]tileset.RenderSet{{
		ViewportID:  "main",
		FrameNumber: 7,
		Tiles:       []tileset.TileID{"root/0", "root/1"},
		Requested:   2,
		Finished:    false,
	}}, tileset.Stats{CacheTiles: 3, CacheBytes: 42, InFlight: 2})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(b, &f))
	require.Equal(t, Frame{
		Type:        "FRAME",
		ViewportID:  "main",
		FrameNumber: 7,
		Tiles:       []tileset.TileID{"root/0", "root/1"},
		Requested:   2,
		CacheTiles:  3,
		CacheBytes:  42,
		InFlight:    2,
	}, f)
}

func TestHubDropsFramesForSlowClients(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	id, out, ok := h.join()
	require.True(t, ok)
	defer h.leave(id)

	sets := []tileset.RenderSet{{ViewportID: "a"}, {ViewportID: "b"}, {ViewportID: "c"}}
	require.NoError(t, h.Publish(sets, tileset.Stats{}))
	require.Len(t, out, 1)
	require.Equal(t, uint64(2), h.Dropped())
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.Close()
	h.Close()
	require.Equal(t, 0, h.Clients())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err %v", err)

	_, _, ok := h.join()
	require.False(t, ok)
}
