// Package observer streams render sets to websocket clients.
package observer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tilestream/tileset"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
)

const (
	// DefaultClientBuffer is the number of frames queued per client before
	// newer frames are dropped for it.
	DefaultClientBuffer = 16

	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
)

// Frame is the message sent for every published render set.
type Frame struct {
	Type        string           `json:"type"`
	ViewportID  string           `json:"viewport_id"`
	FrameNumber int64            `json:"frame"`
	Tiles       []tileset.TileID `json:"tiles"`
	Requested   int              `json:"requested"`
	Deferred    int              `json:"deferred"`
	Finished    bool             `json:"finished"`
	CacheTiles  int              `json:"cache_tiles"`
	CacheBytes  int64            `json:"cache_bytes"`
	InFlight    int              `json:"in_flight"`
}

// Hub fans frames out to connected clients. Slow clients lose frames
// instead of blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int

	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]chan []byte
	closed  bool
}

// NewHub returns a hub queuing up to buffer frames per client
// (DefaultClientBuffer when buffer <= 0).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer:  buffer,
		clients: make(map[uint64]chan []byte),
	}
}

// Handler upgrades the request and streams frames until the client leaves
// or the hub is closed.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out, ok := h.join()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closed"),
				time.Now().Add(time.Second))
			return
		}
		defer h.leave(id)

		logs.WithTag("client", id).
			WithTag("remote", r.RemoteAddr).
			Debug("observer connected")

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				logs.WithTag("client", id).Debug("observer disconnected")
				return

			case b, ok := <-out:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
						time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					logs.Warn(errors.New("writing observer frame failed").
						WithTag("client", id).
						Wrap(err))
					return
				}
			}
		}
	}
}

// Publish sends one frame per render set to every client.
func (h *Hub) Publish(sets []tileset.RenderSet, st tileset.Stats) error {
	for _, rs := range sets {
		b, err := json.Marshal(Frame{
			Type:        "FRAME",
			ViewportID:  rs.ViewportID,
			FrameNumber: rs.FrameNumber,
			Tiles:       rs.Tiles,
			Requested:   rs.Requested,
			Deferred:    rs.Deferred,
			Finished:    rs.Finished,
			CacheTiles:  st.CacheTiles,
			CacheBytes:  st.CacheBytes,
			InFlight:    st.InFlight,
		})
		if err != nil {
			return errors.New("encoding observer frame failed").
				WithTag("viewport_id", rs.ViewportID).
				Wrap(err)
		}
		h.broadcast(b)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many frames were dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, out := range h.clients {
		close(out)
		delete(h.clients, id)
	}
}

func (h *Hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.clients {
		select {
		case out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) join() (uint64, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	id := h.nextID.Add(1)
	out := make(chan []byte, h.buffer)
	h.clients[id] = out
	return id, out, true
}

func (h *Hub) leave(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Close may already have taken the channel out.
	delete(h.clients, id)
}
