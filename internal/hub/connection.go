package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/protocol"
)

const (
	writeDeadline  = 5 * time.Second
	sendBufferSize = 16
)

// connection is the hub's per-socket state. It is owned exclusively by the
// hub actor goroutine; nothing outside the hub touches it.
type connection struct {
	id          uuid.UUID
	writer      *clientWriter
	rooms       map[string]struct{}
	identity    *protocol.Identity
	remoteAddr  string
	alive       bool
	lastProbeAt time.Time
	connectedAt time.Time
}

func (c *connection) inRoom(room string) bool {
	_, ok := c.rooms[room]
	return ok
}

func (c *connection) roomList() []string {
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// clientWriter owns all writes to one websocket connection. A single
// goroutine drains the send channel so writes are never concurrent.
type clientWriter struct {
	connection *websocket.Conn
	clock      clockwork.Clock
	sendCh     chan []byte
	pingCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection: conn,
		clock:      clock,
		sendCh:     make(chan []byte, sendBufferSize),
		pingCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-cw.pingCh:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-cw.doneCh:
			return
		}
	}
}

// trySend enqueues an outbound frame without blocking. A false return means
// the client is too slow to keep up and should be evicted.
func (cw *clientWriter) trySend(data []byte) bool {
	select {
	case cw.sendCh <- data:
		return true
	default:
		return false
	}
}

// tryPing enqueues a liveness probe without blocking.
func (cw *clientWriter) tryPing() bool {
	select {
	case cw.pingCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with the given code and reason before
// closing. The run goroutine must exit first so the close frame is not
// written concurrently with a regular message.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
