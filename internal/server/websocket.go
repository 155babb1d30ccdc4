package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chainview/internal/logging"
	"chainview/internal/models"
	"chainview/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the inbound control vocabulary. Subscribers are
// read-mostly; select lets a session retarget the shared chain.
type clientMessage struct {
	Action     string `json:"action"`
	Underlying string `json:"underlying"`
	Expiry     string `json:"expiry"`
}

// handleWebSocket upgrades the connection and pumps chain payloads to
// the subscriber until it disconnects or falls idle.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := s.hub.Register()
	logger := logging.WithSubscriber(s.logger, sub.ID)
	logging.LogSubscriber(logger, sub.ID, string(stream.StateConnecting), 0)

	done := make(chan struct{})
	go s.readPump(c, conn, sub.ID, done)
	s.writePump(conn, sub, done, logger)

	s.hub.Unregister(sub.ID)
	_ = conn.Close()
	logging.LogSubscriber(logger, sub.ID, string(stream.StateClosed), 0)
}

// readPump consumes control messages and surfaces the disconnect.
func (s *Server) readPump(c *gin.Context, conn *websocket.Conn, subID string, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "select":
			sel, ok := parseSelection(msg.Underlying, msg.Expiry)
			if !ok {
				continue
			}
			if err := s.source.Switch(c.Request.Context(), sel); err != nil {
				s.logger.Warn().Err(err).Str("subscriber", subID).Msg("Subscriber-initiated switch failed")
			}
		case "ping":
			// Application-level keepalive; protocol pings come from
			// the write pump.
		}
	}
}

// writePump delivers payloads and protocol pings. A write that cannot
// complete within the timeout drops the session.
func (s *Server) writePump(conn *websocket.Conn, sub *stream.Subscriber, done <-chan struct{}, logger zerolog.Logger) {
	pingInterval := s.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case payload, ok := <-sub.Updates():
			if !ok {
				// Hub evicted the session (idle reap or shutdown).
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), deadline)
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(payload); err != nil {
				logger.Debug().Err(err).Msg("Subscriber write failed")
				return
			}
			s.hub.MarkDelivered(sub.ID, payload.Version, payload.Stale)

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseSelection(underlying, expiry string) (models.Selection, bool) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return models.Selection{}, false
	}
	return models.Selection{
		Underlying: underlying,
		Expiry:     strings.ToUpper(strings.TrimSpace(expiry)),
	}, true
}
