package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the stream is read-only; any origin may follow it
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream handles GET /ws
// The first message is the full snapshot, every later one a delta holding
// only the fields that changed. A slow client skips intermediate versions.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway: upgrade failed", "error", err)
		return
	}
	defer c.Close()

	sub := s.opts.State.Subscribe()
	defer sub.Close()

	// the read loop only services control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.SetReadLimit(512)
		c.SetReadDeadline(time.Now().Add(streamPongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	s.log.Debug("gateway: stream opened", "remote", r.RemoteAddr)
	defer s.log.Debug("gateway: stream closed", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-s.stop:
			c.SetWriteDeadline(time.Now().Add(streamWriteWait))
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case u, ok := <-sub.Updates():
			if !ok {
				c.SetWriteDeadline(time.Now().Add(streamWriteWait))
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			c.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.WriteJSON(u.Delta()); err != nil {
				return
			}
		case <-ping.C:
			c.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
