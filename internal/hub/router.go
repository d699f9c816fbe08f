package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/linepulse/linepulse/internal/errors"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/protocol"
)

// Error codes carried in scoped error events.
const (
	ErrCodeMalformed     = "malformed_frame"
	ErrCodeUnknownAction = "unknown_action"
	ErrCodeMissingField  = "missing_field"
	ErrCodeOversize      = "frame_too_large"
	ErrCodeHandlerFailed = "handler_failed"
)

// HandlerFunc handles a custom inbound frame. Returning an error sends a
// scoped error event to the connection; it never affects other connections.
type HandlerFunc func(ctx context.Context, connID uuid.UUID, frame *protocol.Frame) error

// Router dispatches inbound client frames to built-in handlers (join_room,
// leave_room, identify, ping) or a pluggable handler table so feature modules
// can add server-side behavior without touching the core.
type Router struct {
	hub *Hub

	mu       sync.RWMutex
	handlers map[protocol.Action]HandlerFunc
}

// NewRouter creates a router bound to hub.
func NewRouter(hub *Hub) *Router {
	return &Router{
		hub:      hub,
		handlers: make(map[protocol.Action]HandlerFunc),
	}
}

// Handle registers a handler for a custom action. Built-in actions cannot be
// overridden.
func (r *Router) Handle(action protocol.Action, fn HandlerFunc) error {
	if action == "" {
		return fmt.Errorf("action must not be empty")
	}
	if action.BuiltIn() {
		return fmt.Errorf("cannot override built-in action %q", action)
	}
	if fn == nil {
		return fmt.Errorf("handler for action %q must not be nil", action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[action]; exists {
		return fmt.Errorf("handler for action %q already registered", action)
	}
	r.handlers[action] = fn
	return nil
}

// Dispatch routes one raw inbound frame from connID. Malformed or unknown
// frames yield a scoped error event to the offending connection only; they
// never crash the shared dispatch loop.
func (r *Router) Dispatch(ctx context.Context, connID uuid.UUID, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		metrics.HubFramesRejectedTotal.WithLabelValues("malformed").Inc()
		slog.DebugContext(ctx, "Rejecting malformed frame", "connection_id", connID.String(), "error", err)
		r.hub.SendError(connID, ErrCodeMalformed, err.Error())
		return
	}

	switch frame.Action {
	case protocol.ActionJoinRoom:
		r.handleJoinRoom(ctx, connID, frame)
	case protocol.ActionLeaveRoom:
		r.handleLeaveRoom(ctx, connID, frame)
	case protocol.ActionIdentify:
		r.handleIdentify(ctx, connID, frame)
	case protocol.ActionPing:
		_ = r.hub.SendEvent(connID, protocol.EventPong, nil)
	default:
		r.dispatchCustom(ctx, connID, frame)
	}
}

func (r *Router) handleJoinRoom(ctx context.Context, connID uuid.UUID, frame *protocol.Frame) {
	room := strings.TrimSpace(frame.Room)
	if room == "" {
		metrics.HubFramesRejectedTotal.WithLabelValues("missing_field").Inc()
		r.hub.SendError(connID, ErrCodeMissingField, "join_room requires a room")
		return
	}
	r.hub.JoinRoom(connID, room)
}

func (r *Router) handleLeaveRoom(ctx context.Context, connID uuid.UUID, frame *protocol.Frame) {
	room := strings.TrimSpace(frame.Room)
	if room == "" {
		metrics.HubFramesRejectedTotal.WithLabelValues("missing_field").Inc()
		r.hub.SendError(connID, ErrCodeMissingField, "leave_room requires a room")
		return
	}
	r.hub.LeaveRoom(connID, room)
}

func (r *Router) handleIdentify(ctx context.Context, connID uuid.UUID, frame *protocol.Frame) {
	var identity protocol.Identity
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &identity); err != nil {
			metrics.HubFramesRejectedTotal.WithLabelValues("malformed").Inc()
			r.hub.SendError(connID, ErrCodeMalformed, "identify data is not valid JSON")
			return
		}
	}
	if identity.UserID == "" {
		metrics.HubFramesRejectedTotal.WithLabelValues("missing_field").Inc()
		r.hub.SendError(connID, ErrCodeMissingField, "identify requires a user_id")
		return
	}
	r.hub.Identify(connID, identity)
}

func (r *Router) dispatchCustom(ctx context.Context, connID uuid.UUID, frame *protocol.Frame) {
	r.mu.RLock()
	fn, exists := r.handlers[frame.Action]
	r.mu.RUnlock()

	if !exists {
		metrics.HubFramesRejectedTotal.WithLabelValues("unknown_action").Inc()
		slog.DebugContext(ctx, "Rejecting unknown action", "connection_id", connID.String(), "action", string(frame.Action))
		r.hub.SendError(connID, ErrCodeUnknownAction, fmt.Sprintf("unknown action %q", frame.Action))
		return
	}

	if err := r.invoke(ctx, fn, connID, frame); err != nil {
		metrics.HubFramesRejectedTotal.WithLabelValues("handler_error").Inc()
		slog.WarnContext(ctx, "Custom handler failed",
			"connection_id", connID.String(), "action", string(frame.Action), "error", err)
		r.hub.SendError(connID, ErrCodeHandlerFailed, err.Error())
	}
}

// invoke runs a custom handler with panic isolation so one misbehaving
// extension cannot take down the dispatch loop.
func (r *Router) invoke(ctx context.Context, fn HandlerFunc, connID uuid.UUID, frame *protocol.Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.ProtocolError(fmt.Sprintf("handler panic: %v", rec))
		}
	}()
	return fn(ctx, connID, frame)
}
