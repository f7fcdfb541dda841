package connection

import "github.com/ashureev/relayd/internal/envelope"

// Observer receives Connection lifecycle events. The caller (the daemon,
// wiring a Connection to the Router) implements this instead of assigning
// callback fields, so the Connection never references the Router directly
// (§9: break the Router<->Connection cycle via an observer interface).
type Observer interface {
	// OnActive fires once the handshake completes and the Connection
	// becomes ACTIVE.
	OnActive(c *Connection)

	// OnMessage fires for every SEND/SUBSCRIBE/UNSUBSCRIBE/SHADOW_BIND/
	// SHADOW_UNBIND envelope received while ACTIVE.
	OnMessage(c *Connection, env *envelope.Envelope)

	// OnAck fires when an ACK envelope is received.
	OnAck(c *Connection, ackID string, seq uint64)

	// OnPong fires when a PONG envelope is received.
	OnPong(c *Connection)

	// OnClose fires exactly once when the Connection reaches CLOSED.
	OnClose(c *Connection, reason string)

	// OnError fires exactly once when the Connection reaches ERROR.
	OnError(c *Connection, err error)

	// OnBackpressure fires when the write queue crosses the high
	// watermark (active=true) or falls back below the low watermark
	// (active=false).
	OnBackpressure(c *Connection, active bool)
}
