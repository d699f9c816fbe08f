package client

import (
	"sync"

	"github.com/linepulse/linepulse/internal/buffer"
	"github.com/linepulse/linepulse/internal/protocol"
)

const defaultHistoryDepth = 100

// ChannelFilter is the per-widget consumption surface: it subscribes to one
// channel on the shared transport, remembers the latest event and a bounded
// history, and optionally forwards each event to a callback.
//
// Creating a filter registers a listener (triggering the connection if this
// is the first one anywhere in the process); Close unregisters it. Filters
// over the same channel are independent; none observes another's callback.
type ChannelFilter struct {
	channel     string
	history     *buffer.History[*protocol.Event]
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// NewChannelFilter subscribes a filter for channel on the transport.
// depth bounds the retained history; values <= 0 default to 100. onEvent may
// be nil when only Latest/History polling is needed.
func NewChannelFilter(transport *Transport, channel string, depth int, onEvent EventFunc) *ChannelFilter {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	f := &ChannelFilter{
		channel: channel,
		history: buffer.NewHistory[*protocol.Event](depth),
	}
	f.unsubscribe = transport.Subscribe(channel, func(event *protocol.Event) {
		f.history.Push(event)
		if onEvent != nil {
			onEvent(event)
		}
	})
	return f
}

// Channel returns the channel this filter consumes.
func (f *ChannelFilter) Channel() string {
	return f.channel
}

// Latest returns the most recent event seen on the channel, or false when
// none arrived yet.
func (f *ChannelFilter) Latest() (*protocol.Event, bool) {
	return f.history.Latest()
}

// History returns the retained events, oldest first.
func (f *ChannelFilter) History() []*protocol.Event {
	return f.history.Snapshot()
}

// Close unregisters the filter's listener. When it was the last listener on
// the transport, the connection closes. Close is idempotent.
func (f *ChannelFilter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.unsubscribe()
}
