// Package websocket streams state machine notifications to UI consumers.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// The first frame is the current state; every notification published on the
// bus afterwards follows in order. state_changed notifications that were
// already pending when the snapshot was taken (State.Seq at or below the
// snapshot's) are not sent.
//
// Server → client frame:
//
//	{"kind":"state_changed","state":{"status":"queued",...},"eventId":"flashSale","at":...}
//	{"kind":"navigate","url":"https://...","at":...}
//	{"kind":"extension_failed","eventId":"flash-sale-2024","queueId":"...","message":"...","at":...}
//
// Client frames are read only to notice the connection closing.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// sendBuffer is how many notifications may queue for a slow client
	// before further ones are dropped.
	sendBuffer = 64
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrades from browsers. A request is
	// same-origin when the Origin host equals the Host header. Requests
	// without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the notification stream.
type Handler struct {
	Bus *bus.Bus
	// Snapshot returns the state sent as the first frame. Optional.
	Snapshot func() types.State
	// Now stamps the first frame. Defaults to time.Now.
	Now func() time.Time
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before sending the snapshot so no transition falls between
	// the two.
	notes, dispose := h.Bus.Channel(sendBuffer)
	defer dispose()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var snapSeq uint64
	if h.Snapshot != nil {
		st := h.Snapshot()
		snapSeq = st.Seq
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		first := bus.Notification{Kind: bus.KindStateChanged, State: &st, EventID: st.CurrentEvent, At: now().UnixMilli()}
		if err := write(conn, first); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if n.Kind == bus.KindStateChanged && n.State != nil && h.Snapshot != nil && n.State.Seq <= snapSeq {
				continue
			}
			if err := write(conn, n); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func write(conn *gorillaws.Conn, n bus.Notification) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(n)
}
