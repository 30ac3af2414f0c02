package poller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams journal events over a websocket, starting from the
// optional ?cursor= event id and then following live appends.
func (s *StatusServer) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("failed to upgrade connection", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// watch for the client closing the connection
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, _ = strconv.ParseInt(raw, 10, 64)
	}

	// complete backfill first before going to live data
	if err := s.stream(conn, &cursor); err != nil {
		l.Error("failed to backfill", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.stream(conn, &cursor); err != nil {
				l.Error("failed to stream", "error", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "error", err)
			}
		}
	}
}

// stream drains everything past the cursor in journal batches.
func (s *StatusServer) stream(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.j.Events(*cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.ID
		}
	}
}
