// Package websocket streams domain events and live rankings over gorilla/websocket.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"impactkit/core"
	"impactkit/leaderboard"
	"impactkit/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Handler upgrades to WebSocket and streams hub events. A "types" query parameter
// (repeatable) restricts the stream to those event types.
func Handler(hub *realtime.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var types []core.EventType
		for _, t := range r.URL.Query()["types"] {
			types = append(types, core.EventType(t))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(256, types...)
		defer hub.Unsubscribe(id)

		closed := readPump(conn)
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := write(conn, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	})
}

// LeaderboardHandler streams the ranking: the current one on connect, then every
// change. The "limit" query parameter sizes it.
func LeaderboardHandler(ranker *leaderboard.Ranker, hub *realtime.Hub, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		updates, err := ranker.Watch(ctx, limit, hub)
		if err != nil {
			log.Warn("leaderboard stream failed", "event", "ws_leaderboard_failed", "error", err)
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseInternalServerErr, "ranking unavailable"), time.Now().Add(writeWait))
			return
		}

		closed := readPump(conn)
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case entries, ok := <-updates:
				if !ok {
					return
				}
				b, err := json.Marshal(entries)
				if err != nil {
					return
				}
				if err := write(conn, b); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	})
}

func write(conn *gorillaws.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, b)
}

// readPump discards client frames and reports when the peer goes away.
func readPump(conn *gorillaws.Conn) <-chan struct{} {
	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
