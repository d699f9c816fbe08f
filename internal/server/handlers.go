package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/linepulse/linepulse/internal/correlation"
	"github.com/linepulse/linepulse/internal/errors"
	"github.com/linepulse/linepulse/internal/hub"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/protocol"
	"github.com/linepulse/linepulse/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard widgets connect from kiosk displays on the shop floor
	},
}

// --- Health handlers ---

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Seconds(),
		"version": version.Get(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	if !s.config.RealtimeEnabled || !s.hub.Enabled() {
		return c.JSON(503, map[string]any{
			"status": "disabled",
		})
	}
	return c.JSON(200, map[string]any{
		"status":      "ready",
		"connections": s.hub.ClientCount(),
	})
}

// --- WebSocket handler ---

// handleWebSocket upgrades the connection, registers it with the hub, and
// runs the read pump until the peer goes away.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	if !s.hub.Enabled() {
		return s.refuseDisabled(c)
	}

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.HubConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.HubConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Rejecting connection before upgrade", "reason", string(reason), "remote_addr", ip)
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": string(reason)})
	}
	defer s.limits.Release(ip)
	defer s.updateLimitGauges()
	s.updateLimitGauges()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		return nil
	}

	// A tab may request id continuity across reconnects.
	clientID := uuid.Nil
	if raw := c.QueryParam("client_id"); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			clientID = parsed
		}
	}

	id, err := s.hub.Register(conn, ip, clientID)
	if err != nil {
		// Hub already closed the socket with a distinct reason.
		metrics.HubConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil
	}

	s.readPump(c, conn, id)

	s.hub.UnregisterConn(id, conn)
	return nil
}

// readPump drains inbound frames until the connection drops. Oversized
// frames get a scoped error event; the connection stays open.
func (s *Server) readPump(c echo.Context, conn *websocket.Conn, id uuid.UUID) {
	// Hard transport cap at twice the soft ceiling: frames between the two
	// get a scoped error, anything larger kills the read.
	conn.SetReadLimit(2 * s.config.MaxFrameBytes)
	conn.SetPongHandler(func(string) error {
		s.hub.Pong(id)
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if int64(len(raw)) > s.config.MaxFrameBytes {
			metrics.HubFramesRejectedTotal.WithLabelValues("oversize").Inc()
			s.hub.SendError(id, hub.ErrCodeOversize, "frame exceeds size ceiling")
			continue
		}

		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		s.router.Dispatch(ctx, id, raw)
	}
}

func (s *Server) refuseDisabled(c echo.Context) error {
	metrics.HubConnectionsTotal.WithLabelValues("disabled").Inc()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	if event, err := protocol.NewEvent(protocol.EventServerDisabled, nil, "", time.Now()); err == nil {
		if encoded, err := event.Encode(); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, encoded)
		}
	}

	closeMsg := websocket.FormatCloseMessage(errors.CloseServerDisabled, "realtime serving disabled")
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = conn.Close()
	return nil
}

func (s *Server) updateLimitGauges() {
	metrics.WebSocketConnectionCapacity.Set(s.limits.CapacityPct())
	metrics.WebSocketUniqueIPs.Set(float64(s.limits.UniqueIPs()))
}
