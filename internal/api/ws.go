package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/airwave/internal/bus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Frame is one push message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// frameType maps bus topics onto wire frame types.
var frameType = map[string]string{
	bus.TopicTrackChanged:    "track_update",
	bus.TopicHistoryAppended: "history_update",
	bus.TopicDJState:         "dj_state",
}

type wsHub struct {
	bus       *bus.Bus
	cache     NowSource
	writeWait time.Duration
	log       zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The REST surface is already wide open behind CORS *; the push
	// channel carries the same public data.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *wsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer sub.Cancel()

	done := make(chan struct{})
	go h.readLoop(conn, done)

	// Initial snapshot so a fresh client renders without a REST call.
	if snap, ok := h.cache.Now(); ok {
		if err := h.write(conn, Frame{Type: "track_update", Data: snap}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastDropped uint64
	for {
		select {
		case <-done:
			return
		case msg := <-sub.C:
			if dropped := sub.Dropped(); dropped > lastDropped {
				hint := Frame{Type: "lag_hint", Data: map[string]uint64{"dropped": dropped - lastDropped}}
				lastDropped = dropped
				if err := h.write(conn, hint); err != nil {
					return
				}
			}
			ft, ok := frameType[msg.Topic]
			if !ok {
				continue
			}
			if err := h.write(conn, Frame{Type: ft, Data: msg.Payload}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *wsHub) write(conn *websocket.Conn, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop drains client frames and keeps the pong deadline fresh.
func (h *wsHub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
