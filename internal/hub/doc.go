// Package hub implements the server-side connection/room multiplexer using
// the actor pattern.
//
// One goroutine owns the connection registry, room memberships, the broadcast
// loop, and the heartbeat, driven by a command channel (no mutexes). Events
// are serialized once per publish and fanned out through per-connection write
// goroutines; slow clients are evicted rather than blocking the loop. The
// Router dispatches inbound frames to built-in handlers or a pluggable
// handler table.
package hub
