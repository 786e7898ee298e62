package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// handleRunEvents upgrades GET /backtest/events/{run_id} to a websocket and
// streams that run's lifecycle events until the client leaves or the hub
// shuts down.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/backtest/events/")
	if runID == "" || strings.Contains(runID, "/") {
		writeErr(w, http.StatusNotFound, "unknown path")
		return
	}
	if !s.registry.Has(runID) {
		writeErr(w, http.StatusNotFound, "Run not found")
		return
	}

	select {
	case s.wsSlots <- struct{}{}:
		defer func() { <-s.wsSlots }()
	default:
		s.logger.Warn("Max event streams reached", "run_id", runID)
		writeErr(w, http.StatusServiceUnavailable, "Server busy")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(runID)
	s.hub.Register(sub)
	s.logger.Info("Event stream opened", "run_id", runID, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeEvents(conn, sub)
	}()
	go func() {
		defer wg.Done()
		s.readEvents(conn, sub)
	}()
	wg.Wait()

	s.hub.Unregister(sub)
	conn.Close()
	s.logger.Info("Event stream closed", "run_id", runID)
}

// writeEvents pushes hub events to the socket and keeps it alive with pings.
func (s *Server) writeEvents(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the subscriber.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("Event stream write error", "run_id", sub.runID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readEvents drains the socket for pongs and close frames. Clients send
// nothing else.
func (s *Server) readEvents(conn *websocket.Conn, sub *subscriber) {
	defer s.hub.Unregister(sub)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("Event stream read error", "run_id", sub.runID, "error", err)
			}
			return
		}
	}
}
