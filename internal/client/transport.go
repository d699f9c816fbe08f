package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/linepulse/linepulse/internal/errors"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/protocol"
)

// ChannelAll subscribes a listener to every inbound event, ahead of
// channel-scoped listeners. Used by diagnostic/telemetry consumers.
const ChannelAll = "all"

const (
	defaultDialTimeout = 10 * time.Second
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = 80 * time.Second
	defaultMaxAttempts = 5
	writeTimeout       = 5 * time.Second
)

// EventFunc receives one inbound event. Callbacks run on the transport's
// read goroutine and must return quickly.
type EventFunc func(*protocol.Event)

// Config configures a Transport.
type Config struct {
	// URL is the ws:// or wss:// upgrade endpoint.
	URL string
	// ClientID is an optional continuity id sent as a query parameter so the
	// server keeps this tab's identity across reconnects. Generated when nil.
	ClientID uuid.UUID
	// DialTimeout bounds one connection attempt. Default 10s.
	DialTimeout time.Duration
	// BackoffBase is the first retry delay. Default 5s.
	BackoffBase time.Duration
	// BackoffMax caps the exponential retry delay. Default 80s.
	BackoffMax time.Duration
	// MaxAttempts is the number of consecutive retries before the terminal
	// Failed state. Default 5.
	MaxAttempts int
	// Clock defaults to the real clock; tests inject a fake one.
	Clock clockwork.Clock
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// OnStateChange, when set, observes every transition. It is invoked with
	// the transport's lock held and must not call back into the Transport.
	OnStateChange func(StateChange)
}

type listener struct {
	id      int
	channel string
	fn      EventFunc
}

// Transport holds at most one physical websocket connection per process and
// multiplexes its inbound stream to any number of independent listeners. It
// is an explicit, once-constructed service object: the "exactly one
// connection" invariant is enforced by its own fields, not caller discipline.
//
// While at least one listener is registered the transport stays connected or
// retrying; when the last listener unregisters it closes and cancels any
// pending retry.
type Transport struct {
	cfg   Config
	clock clockwork.Clock

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempts    int
	generation  int
	retryTimer  clockwork.Timer
	listeners   []listener
	nextID      int
	lastEventAt time.Time

	// writeMu serializes outbound frames; inbound control replies are
	// handled by gorilla's default ping handler via WriteControl, which is
	// safe alongside WriteMessage.
	writeMu sync.Mutex
}

// NewTransport creates an idle transport. The first Subscribe triggers the
// connection attempt.
func NewTransport(cfg Config) (*Transport, error) {
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, errors.TransportError("invalid transport URL", err)
	}
	if cfg.ClientID == uuid.Nil {
		cfg.ClientID = uuid.New()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Transport{cfg: cfg, clock: cfg.Clock, state: StateIdle}, nil
}

// Subscribe registers a listener for one channel (an event type, or
// ChannelAll). The first listener triggers the connection attempt. The
// returned function unregisters the listener; when the last listener is
// removed the transport closes and any pending retry is cancelled.
func (t *Transport) Subscribe(channel string, fn EventFunc) func() {
	if fn == nil {
		return func() {}
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, listener{id: id, channel: channel, fn: fn})
	metrics.ClientListenersCurrent.Set(float64(len(t.listeners)))
	if len(t.listeners) == 1 && t.state == StateIdle {
		t.startConnectLocked()
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *Transport) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = slices.DeleteFunc(t.listeners, func(l listener) bool { return l.id == id })
	metrics.ClientListenersCurrent.Set(float64(len(t.listeners)))

	if len(t.listeners) == 0 {
		// No interested listeners: no connection, no background retry loop.
		t.teardownLocked()
		t.setStateLocked(StateIdle, nil)
	}
}

// Connect manually starts (or, from Failed, restarts) the connection,
// resetting the attempt counter. It affects every subscriber of the shared
// transport.
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateIdle:
		t.startConnectLocked()
	case StateFailed:
		t.attempts = 0
		t.startConnectLocked()
	}
}

// Disconnect manually closes the connection and cancels any pending retry,
// for every subscriber of the shared transport. Listeners stay registered; a
// later Connect resumes delivery.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.teardownLocked()
	t.setStateLocked(StateIdle, nil)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ListenerCount returns the number of registered listeners.
func (t *Transport) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// LastEventAt returns the arrival time of the most recent inbound event,
// zero if none arrived yet. Drives the dashboard's freshness indicator.
func (t *Transport) LastEventAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventAt
}

// JoinRoom asks the server to add this connection to a room.
func (t *Transport) JoinRoom(room string) error {
	return t.Send(&protocol.Frame{Action: protocol.ActionJoinRoom, Room: room})
}

// LeaveRoom asks the server to remove this connection from a room.
func (t *Transport) LeaveRoom(room string) error {
	return t.Send(&protocol.Frame{Action: protocol.ActionLeaveRoom, Room: room})
}

// Identify attaches a user identity to this connection, which also joins the
// per-user room for targeted delivery.
func (t *Transport) Identify(userID, displayName string) error {
	data, err := json.Marshal(protocol.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		return errors.ProtocolError("failed to marshal identity").WithContext("cause", err.Error())
	}
	return t.Send(&protocol.Frame{Action: protocol.ActionIdentify, Data: data})
}

// Send writes one frame to the server. Fails when the transport is not open.
func (t *Transport) Send(frame *protocol.Frame) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		return errors.TransportError("transport is not connected", nil)
	}

	raw, err := frame.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(t.clock.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.TransportError("failed to send frame", err)
	}
	return nil
}

// --- Connection machinery ---

// startConnectLocked begins a dial attempt. The generation counter fences
// stale dial results and read loops so two physical connections can never
// coexist.
func (t *Transport) startConnectLocked() {
	t.stopRetryTimerLocked()
	t.setStateLocked(StateConnecting, nil)
	gen := t.generation
	go t.dial(gen)
}

func (t *Transport) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := t.cfg.Dialer.DialContext(ctx, t.dialURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.generation {
		// Torn down or superseded while dialing.
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		t.handleFailureLocked(errors.TransportError("dial failed", err))
		return
	}

	t.conn = conn
	t.attempts = 0
	t.setStateLocked(StateOpen, nil)
	go t.readLoop(conn, gen)
}

func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if gen == t.generation && t.state == StateOpen {
				t.conn = nil
				_ = conn.Close()
				t.handleFailureLocked(errors.TransportError("connection lost", err))
			}
			t.mu.Unlock()
			return
		}

		event, perr := protocol.ParseEvent(raw)
		if perr != nil {
			slog.Debug("Dropping unparsable inbound event", "error", perr)
			continue
		}
		t.dispatch(event)
	}
}

// dispatch fans one inbound event out to listeners scoped to ChannelAll
// first, then to listeners scoped to the event's declared type.
func (t *Transport) dispatch(event *protocol.Event) {
	t.mu.Lock()
	t.lastEventAt = t.clock.Now()
	active := slices.Clone(t.listeners)
	t.mu.Unlock()

	metrics.ClientEventsDispatchedTotal.Inc()

	for _, l := range active {
		if l.channel == ChannelAll {
			l.fn(event)
		}
	}
	for _, l := range active {
		if l.channel == event.Type {
			l.fn(event)
		}
	}
}

// handleFailureLocked drives the retry state machine after a dial failure or
// a dropped connection. Attempts reset to zero only on a successful open.
func (t *Transport) handleFailureLocked(cause error) {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	if len(t.listeners) == 0 {
		t.setStateLocked(StateIdle, nil)
		return
	}

	if t.attempts >= t.cfg.MaxAttempts {
		t.setStateLocked(StateFailed, errors.ExhaustedError("reconnect attempts exhausted", cause))
		return
	}

	delay := t.backoffDelayLocked()
	t.attempts++
	t.setStateLocked(StateReconnecting, cause)
	metrics.ClientReconnectsTotal.Inc()

	gen := t.generation
	t.retryTimer = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.generation || t.state != StateReconnecting {
			return
		}
		t.startConnectLocked()
	})
}

// backoffDelayLocked computes base×2^attempts capped at the maximum.
func (t *Transport) backoffDelayLocked() time.Duration {
	delay := t.cfg.BackoffBase
	for i := 0; i < t.attempts && delay < t.cfg.BackoffMax; i++ {
		delay *= 2
	}
	return min(delay, t.cfg.BackoffMax)
}

// teardownLocked closes the connection, cancels any pending retry, and
// invalidates in-flight dials and read loops.
func (t *Transport) teardownLocked() {
	t.stopRetryTimerLocked()
	t.generation++
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.attempts = 0
}

func (t *Transport) stopRetryTimerLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) setStateLocked(next State, err error) {
	if t.state == next {
		return
	}
	prev := t.state
	t.state = next
	metrics.ClientStateGauge.Set(float64(next))

	if next == StateFailed {
		slog.Warn("Transport entered terminal failed state", "attempts", t.attempts, "error", err)
	} else {
		slog.Debug("Transport state change", "from", prev.String(), "to", next.String())
	}

	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(StateChange{Old: prev, New: next, Err: err})
	}
}

func (t *Transport) dialURL() string {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return t.cfg.URL
	}
	q := u.Query()
	q.Set("client_id", t.cfg.ClientID.String())
	u.RawQuery = q.Encode()
	return u.String()
}
