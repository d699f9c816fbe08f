package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/linepulse/linepulse/internal/errors"
	"github.com/linepulse/linepulse/internal/protocol"
)

// fakeServer is a websocket endpoint the transport dials. It can push events,
// capture inbound frames, drop connections, and refuse upgrades.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	dials  atomic.Int32
	reject atomic.Bool
	frames chan *protocol.Frame

	mu    sync.Mutex
	conns []*ws.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, frames: make(chan *protocol.Frame, 16)}
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.dials.Add(1)
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if frame, err := protocol.ParseFrame(raw); err == nil {
					fs.frames <- frame
				}
			}
		}()
	}))
	t.Cleanup(func() {
		fs.closeAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) push(event *protocol.Event) {
	raw, err := event.Encode()
	require.NoError(fs.t, err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		_ = conn.WriteMessage(ws.TextMessage, raw)
	}
}

func (fs *fakeServer) closeAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		_ = conn.Close()
	}
	fs.conns = nil
}

func newTestTransport(t *testing.T, fs *fakeServer, clock clockwork.Clock) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{URL: fs.url(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)
	return tr
}

func waitFor(cond func() bool) bool {
	for range 500 {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestTransport_FirstSubscriberDials(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	assert.Equal(t, StateIdle, tr.State())
	assert.Equal(t, int32(0), fs.dials.Load())

	unsub := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	t.Cleanup(unsub)

	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))
	assert.Equal(t, int32(1), fs.dials.Load())
	assert.Equal(t, 1, tr.ListenerCount())
}

func TestTransport_SingleConnectionForManySubscribers(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	for range 5 {
		unsub := tr.Subscribe("machine_status", func(*protocol.Event) {})
		t.Cleanup(unsub)
	}

	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))
	assert.Equal(t, int32(1), fs.dials.Load(), "many subscribers must share one connection")
	assert.Equal(t, 5, tr.ListenerCount())
}

func TestTransport_LastUnsubscribeCloses(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	unsub1 := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	unsub2 := tr.Subscribe("machine_status", func(*protocol.Event) {})
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	unsub1()
	assert.Equal(t, StateOpen, tr.State(), "connection stays while listeners remain")

	unsub2()
	assert.Equal(t, StateIdle, tr.State())
	assert.Equal(t, 0, tr.ListenerCount())
}

func TestTransport_UnsubscribeIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	unsub1 := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	unsub2 := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	t.Cleanup(unsub2)
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	unsub1()
	unsub1()
	unsub1()
	assert.Equal(t, 1, tr.ListenerCount(), "repeated unsubscribe must remove only its own listener")
	assert.Equal(t, StateOpen, tr.State())
}

func TestTransport_LastUnsubscribeCancelsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := newFakeServer(t)
	fs.reject.Store(true)
	tr := newTestTransport(t, fs, clock)

	unsub := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	require.True(t, waitFor(func() bool { return tr.State() == StateReconnecting }))

	unsub()
	assert.Equal(t, StateIdle, tr.State())

	// A fired timer after teardown must not redial.
	fs.reject.Store(false)
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fs.dials.Load())
	assert.Equal(t, StateIdle, tr.State())
}

func TestTransport_BackoffSequenceThenFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := newFakeServer(t)
	fs.reject.Store(true)

	var mu sync.Mutex
	var transitions []State
	tr, err := NewTransport(Config{
		URL:   fs.url(),
		Clock: clock,
		OnStateChange: func(change StateChange) {
			mu.Lock()
			transitions = append(transitions, change.New)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)

	unsub := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	t.Cleanup(unsub)

	// Initial dial fails immediately.
	require.True(t, waitFor(func() bool { return tr.State() == StateReconnecting }))

	// Retries fire after 5s, 10s, 20s, 40s, 80s. Each advance must complete
	// one failed attempt and re-enter Reconnecting before the next.
	delays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, delay := range delays {
		// Just short of the deadline nothing fires.
		clock.Advance(delay - time.Second)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, StateReconnecting, tr.State(), "retry %d fired early", i+1)

		clock.Advance(time.Second)
		require.True(t, waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return countState(transitions, StateConnecting) == i+2
		}), "retry %d did not fire", i+1)
		require.True(t, waitFor(func() bool { return tr.State() == StateReconnecting }))
	}

	// The fifth and final retry exhausts the budget.
	clock.Advance(80 * time.Second)
	require.True(t, waitFor(func() bool { return tr.State() == StateFailed }))

	// Failed is terminal: time alone never resumes dialing.
	clock.Advance(24 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateFailed, tr.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, countState(transitions, StateConnecting), "initial dial plus five retries")
}

func countState(transitions []State, s State) int {
	n := 0
	for _, st := range transitions {
		if st == s {
			n++
		}
	}
	return n
}

func TestTransport_ConnectResetsFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := newFakeServer(t)
	fs.reject.Store(true)
	tr := newTestTransport(t, fs, clock)

	unsub := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	t.Cleanup(unsub)

	require.True(t, waitFor(func() bool { return tr.State() == StateReconnecting }))
	// Every retry delay is at most 80s, so repeatedly advancing by that much
	// burns through the whole attempt budget.
	for range 10 {
		if tr.State() == StateFailed {
			break
		}
		clock.Advance(80 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, waitFor(func() bool { return tr.State() == StateFailed }))

	// Manual reconnect starts over with a fresh attempt budget.
	fs.reject.Store(false)
	tr.Connect()
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))
	assert.Equal(t, int32(1), fs.dials.Load())
}

func TestTransport_ReconnectsAfterDrop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, clock)

	unsub := tr.Subscribe("cpk_alert", func(*protocol.Event) {})
	t.Cleanup(unsub)
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	fs.closeAll()
	require.True(t, waitFor(func() bool { return tr.State() == StateReconnecting }))

	// A successful open reset the attempt counter, so the drop is retried
	// after the base delay.
	clock.Advance(5 * time.Second)
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))
	assert.Equal(t, int32(2), fs.dials.Load())
}

func TestTransport_FanoutOrder(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	var mu sync.Mutex
	var order []string
	record := func(tag string) EventFunc {
		return func(*protocol.Event) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}

	t.Cleanup(tr.Subscribe("cpk_alert", record("typed")))
	t.Cleanup(tr.Subscribe(ChannelAll, record("all")))
	t.Cleanup(tr.Subscribe("machine_status", record("other")))
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	event, err := protocol.NewEvent("cpk_alert", map[string]float64{"cpk": 0.87}, "line:2", time.Now())
	require.NoError(t, err)
	fs.push(event)

	require.True(t, waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}))
	mu.Lock()
	assert.Equal(t, []string{"all", "typed"}, order, "catch-all listeners run before typed ones")
	mu.Unlock()

	assert.False(t, tr.LastEventAt().IsZero())
}

func TestTransport_DisconnectAndReconnect(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	t.Cleanup(tr.Subscribe("cpk_alert", func(*protocol.Event) {}))
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	tr.Disconnect()
	assert.Equal(t, StateIdle, tr.State())
	assert.Equal(t, 1, tr.ListenerCount(), "disconnect keeps listeners registered")

	tr.Connect()
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))
	assert.Equal(t, int32(2), fs.dials.Load())
}

func TestTransport_SendRequiresOpen(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	err := tr.JoinRoom("line:1")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeTransport))
}

func TestTransport_OutboundFrames(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)

	t.Cleanup(tr.Subscribe("cpk_alert", func(*protocol.Event) {}))
	require.True(t, waitFor(func() bool { return tr.State() == StateOpen }))

	require.NoError(t, tr.JoinRoom("line:1"))
	frame := <-fs.frames
	assert.Equal(t, protocol.ActionJoinRoom, frame.Action)
	assert.Equal(t, "line:1", frame.Room)

	require.NoError(t, tr.Identify("op-9", "Night Shift"))
	frame = <-fs.frames
	assert.Equal(t, protocol.ActionIdentify, frame.Action)

	require.NoError(t, tr.LeaveRoom("line:1"))
	frame = <-fs.frames
	assert.Equal(t, protocol.ActionLeaveRoom, frame.Action)
}

func TestTransport_InvalidURL(t *testing.T) {
	_, err := NewTransport(Config{URL: ""})
	assert.Error(t, err)
}

func TestTransport_BackoffDelayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delay doubles per attempt and never exceeds the cap", prop.ForAll(
		func(attempts int) bool {
			tr := &Transport{cfg: Config{
				BackoffBase: 5 * time.Second,
				BackoffMax:  80 * time.Second,
			}}
			tr.attempts = attempts

			delay := tr.backoffDelayLocked()
			expected := 5 * time.Second << attempts
			if expected > 80*time.Second || expected <= 0 {
				expected = 80 * time.Second
			}
			return delay == expected && delay <= 80*time.Second
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
