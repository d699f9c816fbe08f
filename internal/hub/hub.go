package hub

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/linepulse/linepulse/internal/errors"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/protocol"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 256
)

// Options configures a Hub.
type Options struct {
	// MaxConnections caps concurrent connections; the broadcast loop is
	// O(connections), so this bounds its worst-case cost. Default 200.
	MaxConnections int
	// MaxFrameBytes caps outbound payload size. Default 64KB.
	MaxFrameBytes int64
	// HeartbeatInterval is the liveness probe tick. Default 30s.
	HeartbeatInterval time.Duration
	// Clock defaults to the real clock; tests inject a fake one.
	Clock clockwork.Clock
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 200
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// --- Command types ---

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	conn       *websocket.Conn
	remoteAddr string
	clientID   uuid.UUID // uuid.Nil means "assign a fresh one"
	replyCh    chan registerReply
}

type registerReply struct {
	id  uuid.UUID
	err error
}

type unregisterCmd struct {
	baseHubCmd
	id uuid.UUID
	// sock, when non-nil, restricts removal to the connection still owning
	// this socket.
	sock *websocket.Conn
}

type joinRoomCmd struct {
	baseHubCmd
	id   uuid.UUID
	room string
}

type leaveRoomCmd struct {
	baseHubCmd
	id   uuid.UUID
	room string
}

type identifyCmd struct {
	baseHubCmd
	id       uuid.UUID
	identity protocol.Identity
}

type publishCmd struct {
	baseHubCmd
	event   *protocol.Event
	encoded []byte
}

type sendToCmd struct {
	baseHubCmd
	id      uuid.UUID
	encoded []byte
}

type pongCmd struct {
	baseHubCmd
	id uuid.UUID
}

type clientCountCmd struct {
	baseHubCmd
	replyCh chan int
}

type roomCountCmd struct {
	baseHubCmd
	room    string
	replyCh chan int
}

type connRoomsCmd struct {
	baseHubCmd
	id      uuid.UUID
	replyCh chan []string
}

type stopCmd struct{ baseHubCmd }

// Hub owns the set of live connections and their room memberships, and fans
// published events out to matching connections. All registry state is owned
// by a single actor goroutine, so registry mutation and broadcast iteration
// can never interleave.
type Hub struct {
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	connections map[uuid.UUID]*connection
	opts        Options
	enabled     atomic.Bool
	done        chan struct{}
}

// New creates and starts a Hub.
func New(opts Options) *Hub {
	opts.applyDefaults()
	h := &Hub{
		cmdCh:       make(chan hubCmd, cmdBufferSize),
		clock:       opts.Clock,
		connections: make(map[uuid.UUID]*connection),
		opts:        opts,
		done:        make(chan struct{}),
	}
	h.enabled.Store(true)
	go h.run()
	return h
}

// Enabled reports whether the hub accepts new connections.
func (h *Hub) Enabled() bool { return h.enabled.Load() }

// SetEnabled toggles acceptance of new connections. Existing connections are
// not dropped; the upgrade handler answers new ones with server_disabled.
func (h *Hub) SetEnabled(v bool) { h.enabled.Store(v) }

// Register adds a connection to the registry and sends the connected
// acknowledgement. clientID may be uuid.Nil; a non-nil id lets a tab keep its
// identity across reconnects, replacing any half-dead predecessor.
func (h *Hub) Register(conn *websocket.Conn, remoteAddr string, clientID uuid.UUID) (uuid.UUID, error) {
	replyCh := make(chan registerReply, 1)
	h.cmdCh <- registerCmd{conn: conn, remoteAddr: remoteAddr, clientID: clientID, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.id, reply.err
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection and stops its writer.
func (h *Hub) Unregister(id uuid.UUID) {
	h.cmdCh <- unregisterCmd{id: id}
}

// UnregisterConn removes id only while it still maps to sock. A read pump
// whose socket was replaced by a reconnecting client must not tear down the
// replacement that reused its id.
func (h *Hub) UnregisterConn(id uuid.UUID, sock *websocket.Conn) {
	h.cmdCh <- unregisterCmd{id: id, sock: sock}
}

// JoinRoom adds a connection to a room.
func (h *Hub) JoinRoom(id uuid.UUID, room string) {
	h.cmdCh <- joinRoomCmd{id: id, room: room}
}

// LeaveRoom removes a connection from a room. Leaving the global room is a
// no-op.
func (h *Hub) LeaveRoom(id uuid.UUID, room string) {
	h.cmdCh <- leaveRoomCmd{id: id, room: room}
}

// Identify attaches identity to a connection and auto-joins its user room.
func (h *Hub) Identify(id uuid.UUID, identity protocol.Identity) {
	h.cmdCh <- identifyCmd{id: id, identity: identity}
}

// Pong records a liveness probe reply.
func (h *Hub) Pong(id uuid.UUID) {
	h.cmdCh <- pongCmd{id: id}
}

// Publish builds one event, serializes it once, and delivers it to every
// connection that is a member of room (or to all connections when room is
// empty). Delivery is best-effort and fire-and-forget: a failing or slow
// connection is evicted without aborting the broadcast. Producers must not
// assume synchronous delivery confirmation.
func (h *Hub) Publish(eventType string, payload any, room string) error {
	event, err := protocol.NewEvent(eventType, payload, room, h.clock.Now())
	if err != nil {
		metrics.HubEventsPublishedTotal.WithLabelValues("encode_error").Inc()
		return err
	}
	encoded, err := event.Encode()
	if err != nil {
		metrics.HubEventsPublishedTotal.WithLabelValues("encode_error").Inc()
		return err
	}
	if int64(len(encoded)) > h.opts.MaxFrameBytes {
		metrics.HubEventsPublishedTotal.WithLabelValues("oversize").Inc()
		return errors.CapacityError(
			fmt.Sprintf("event of %d bytes exceeds frame ceiling of %d", len(encoded), h.opts.MaxFrameBytes),
		).WithContext("event_type", eventType)
	}

	h.cmdCh <- publishCmd{event: event, encoded: encoded}
	return nil
}

// SendEvent delivers an acknowledgement or error event to one connection.
func (h *Hub) SendEvent(id uuid.UUID, eventType string, payload any) error {
	event, err := protocol.NewEvent(eventType, payload, "", h.clock.Now())
	if err != nil {
		return err
	}
	encoded, err := event.Encode()
	if err != nil {
		return err
	}
	h.cmdCh <- sendToCmd{id: id, encoded: encoded}
	return nil
}

// SendError delivers a scoped error event to the offending connection only.
func (h *Hub) SendError(id uuid.UUID, code, message string) {
	_ = h.SendEvent(id, protocol.EventError, protocol.ErrorData{Code: code, Message: message})
}

// ClientCount returns the number of registered connections, or -1 if the
// command times out.
func (h *Hub) ClientCount() int {
	return h.intQuery(func(replyCh chan int) hubCmd { return clientCountCmd{replyCh: replyCh} })
}

// RoomCount returns the number of members of room, or -1 if the command
// times out.
func (h *Hub) RoomCount(room string) int {
	return h.intQuery(func(replyCh chan int) hubCmd { return roomCountCmd{room: room, replyCh: replyCh} })
}

func (h *Hub) intQuery(build func(chan int) hubCmd) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- build(replyCh)

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		slog.Warn("Hub query timed out", "timeout", commandTimeout)
		return -1
	}
}

// Rooms returns the room memberships of one connection, nil if unknown.
func (h *Hub) Rooms(id uuid.UUID) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- connRoomsCmd{id: id, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case rooms := <-replyCh:
		return rooms
	case <-timer.Chan():
		return nil
	}
}

// Stop shuts down the hub, sending a close frame to every client. Blocks
// until the actor goroutine has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
		close(h.done)
	}
}

// --- Actor loop ---

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll(websocket.CloseInternalServerErr, "hub panic")
		}
	}()

	heartbeat := h.clock.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	defer close(h.done)

	// Track command channel depth every second
	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			metrics.HubCommandChannelDepth.Set(float64(depth))
			if depth > cmdBufferSize*4/5 {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				if c.sock == nil || h.ownsSocket(c.id, c.sock) {
					h.handleUnregister(c.id, websocket.CloseNormalClosure, "")
				}
			case joinRoomCmd:
				h.handleJoinRoom(c)
			case leaveRoomCmd:
				h.handleLeaveRoom(c)
			case identifyCmd:
				h.handleIdentify(c)
			case publishCmd:
				h.handlePublish(c)
			case sendToCmd:
				h.handleSendTo(c)
			case pongCmd:
				h.handlePong(c.id)
			case clientCountCmd:
				c.replyCh <- len(h.connections)
			case roomCountCmd:
				c.replyCh <- h.countRoom(c.room)
			case connRoomsCmd:
				h.handleConnRooms(c)
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-heartbeat.Chan():
			h.handleHeartbeatTick()
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if len(h.connections) >= h.opts.MaxConnections {
		slog.Warn("Rejecting connection: capacity ceiling reached",
			"max_connections", h.opts.MaxConnections, "remote_addr", c.remoteAddr)
		metrics.HubConnectionsRejected.WithLabelValues("capacity").Inc()
		closeMsg := websocket.FormatCloseMessage(errors.CloseCapacityExceeded, "connection capacity reached")
		_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.conn.Close()
		c.replyCh <- registerReply{err: errors.CapacityError(
			fmt.Sprintf("max connections (%d) reached", h.opts.MaxConnections),
		)}
		return
	}

	id := c.clientID
	if id == uuid.Nil {
		id = uuid.New()
	} else if stale, exists := h.connections[id]; exists {
		// A tab reconnecting with its old id before the heartbeat reaped the
		// dead socket. The new connection wins.
		slog.Info("Replacing stale connection for reconnecting client", "connection_id", id.String())
		stale.writer.stop()
		delete(h.connections, id)
	}

	now := h.clock.Now()
	conn := &connection{
		id:          id,
		writer:      newClientWriter(c.conn, h.clock),
		rooms:       map[string]struct{}{protocol.RoomGlobal: {}},
		remoteAddr:  c.remoteAddr,
		alive:       true,
		connectedAt: now,
	}
	h.connections[id] = conn

	metrics.HubConnectionsCurrent.Set(float64(len(h.connections)))
	metrics.HubConnectionsTotal.WithLabelValues("accepted").Inc()
	h.updateRoomGauge()

	h.ackTo(conn, protocol.EventConnected, protocol.ConnectedData{ID: id.String(), Rooms: conn.roomList()})

	slog.Debug("Connection registered", "connection_id", id.String(), "total_connections", len(h.connections))
	c.replyCh <- registerReply{id: id}
}

func (h *Hub) handleUnregister(id uuid.UUID, closeCode int, reason string) {
	conn, exists := h.connections[id]
	if !exists {
		return
	}

	if reason != "" {
		conn.writer.stopGraceful(closeCode, reason)
	} else {
		conn.writer.stop()
	}
	delete(h.connections, id)

	metrics.HubConnectionsCurrent.Set(float64(len(h.connections)))
	h.updateRoomGauge()

	slog.Debug("Connection unregistered", "connection_id", id.String(), "remaining_connections", len(h.connections))
}

func (h *Hub) handleJoinRoom(c joinRoomCmd) {
	conn, exists := h.connections[c.id]
	if !exists {
		return
	}
	conn.rooms[c.room] = struct{}{}
	h.updateRoomGauge()
	h.ackTo(conn, protocol.EventRoomJoined, protocol.RoomData{Room: c.room})
	slog.Debug("Room joined", "connection_id", c.id.String(), "room", c.room)
}

func (h *Hub) handleLeaveRoom(c leaveRoomCmd) {
	conn, exists := h.connections[c.id]
	if !exists {
		return
	}
	if c.room == protocol.RoomGlobal {
		// Every connection stays in the global room for its whole lifetime.
		slog.Debug("Ignoring attempt to leave global room", "connection_id", c.id.String())
		return
	}
	delete(conn.rooms, c.room)
	h.updateRoomGauge()
	h.ackTo(conn, protocol.EventRoomLeft, protocol.RoomData{Room: c.room})
	slog.Debug("Room left", "connection_id", c.id.String(), "room", c.room)
}

func (h *Hub) handleIdentify(c identifyCmd) {
	conn, exists := h.connections[c.id]
	if !exists {
		return
	}
	identity := c.identity
	conn.identity = &identity
	conn.rooms[protocol.UserRoom(identity.UserID)] = struct{}{}
	h.updateRoomGauge()
	h.ackTo(conn, protocol.EventIdentified, identity)
	slog.Debug("Connection identified", "connection_id", c.id.String(), "user_id", identity.UserID)
}

func (h *Hub) handlePublish(c publishCmd) {
	delivered := 0
	var evicted []uuid.UUID
	for id, conn := range h.connections {
		if c.event.Room != "" && !conn.inRoom(c.event.Room) {
			continue
		}
		if conn.writer.trySend(c.encoded) {
			delivered++
		} else {
			evicted = append(evicted, id)
		}
	}

	for _, id := range evicted {
		h.evictSlow(id)
	}

	if delivered > 0 {
		metrics.HubEventsPublishedTotal.WithLabelValues("delivered").Inc()
		metrics.HubEventsDeliveredTotal.Add(float64(delivered))
	} else {
		metrics.HubEventsPublishedTotal.WithLabelValues("no_members").Inc()
	}
}

func (h *Hub) handleSendTo(c sendToCmd) {
	conn, exists := h.connections[c.id]
	if !exists {
		return
	}
	if !conn.writer.trySend(c.encoded) {
		h.evictSlow(c.id)
	}
}

// evictSlow drops a connection whose send buffer is full. Its socket is
// likely jammed, so no close frame is attempted; the plain stop unblocks any
// write the writer goroutine is stuck in.
func (h *Hub) evictSlow(id uuid.UUID) {
	slog.Warn("Disconnecting slow client", "connection_id", id.String())
	metrics.HubSlowClientsEvicted.Inc()
	h.handleUnregister(id, websocket.CloseGoingAway, "")
}

func (h *Hub) handlePong(id uuid.UUID) {
	if conn, exists := h.connections[id]; exists {
		conn.alive = true
	}
}

// handleHeartbeatTick reaps connections that missed their probe reply and
// probes the rest. One missed reply is sufficient to reap, bounding the
// worst-case lifetime of a half-dead connection to about two tick intervals.
func (h *Hub) handleHeartbeatTick() {
	var reaped []uuid.UUID
	for id, conn := range h.connections {
		if !conn.alive {
			reaped = append(reaped, id)
			continue
		}
		conn.alive = false
		conn.lastProbeAt = h.clock.Now()
		if !conn.writer.tryPing() {
			metrics.WebSocketPingFailures.Inc()
		}
	}

	for _, id := range reaped {
		slog.Info("Reaping connection after missed probe reply", "connection_id", id.String())
		metrics.HubHeartbeatReapedTotal.Inc()
		h.handleUnregister(id, errors.CloseNotResponding, "no reply to liveness probe")
	}
}

func (h *Hub) ownsSocket(id uuid.UUID, sock *websocket.Conn) bool {
	conn, exists := h.connections[id]
	return exists && conn.writer.connection == sock
}

func (h *Hub) handleConnRooms(c connRoomsCmd) {
	conn, exists := h.connections[c.id]
	if !exists {
		c.replyCh <- nil
		return
	}
	c.replyCh <- conn.roomList()
}

func (h *Hub) handleStop() {
	total := len(h.connections)
	slog.Info("Hub shutting down", "connections", total)
	h.closeAll(websocket.CloseNormalClosure, "server shutting down")
	slog.Info("Hub shutdown complete", "disconnected_connections", total)
}

func (h *Hub) closeAll(code int, reason string) {
	for id, conn := range h.connections {
		conn.writer.stopGraceful(code, reason)
		delete(h.connections, id)
	}
	metrics.HubConnectionsCurrent.Set(0)
	metrics.HubRoomsCurrent.Set(0)
}

// ackTo sends a built-in acknowledgement directly from the actor goroutine.
func (h *Hub) ackTo(conn *connection, eventType string, payload any) {
	event, err := protocol.NewEvent(eventType, payload, "", h.clock.Now())
	if err != nil {
		slog.Error("Failed to build acknowledgement", "event_type", eventType, "error", err)
		return
	}
	encoded, err := event.Encode()
	if err != nil {
		slog.Error("Failed to encode acknowledgement", "event_type", eventType, "error", err)
		return
	}
	if !conn.writer.trySend(encoded) {
		h.evictSlow(conn.id)
	}
}

func (h *Hub) countRoom(room string) int {
	n := 0
	for _, conn := range h.connections {
		if conn.inRoom(room) {
			n++
		}
	}
	return n
}

func (h *Hub) updateRoomGauge() {
	rooms := make(map[string]struct{})
	for _, conn := range h.connections {
		for room := range conn.rooms {
			rooms[room] = struct{}{}
		}
	}
	metrics.HubRoomsCurrent.Set(float64(len(rooms)))
}
