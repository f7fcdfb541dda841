package connection

import (
	"time"

	"github.com/ashureev/relayd/internal/envelope"
)

// PendingDelivery is a DELIVER the Router emitted on behalf of this
// Connection's agent that has not yet been ACKed (§3 glossary: pending
// delivery).
type PendingDelivery struct {
	Envelope  *envelope.Envelope
	Target    string
	QueuedAt  time.Time
}

// RecordPending registers a DELIVER awaiting acknowledgement. Per §9's
// resolved open question, this table lives on the SENDER's Connection
// (keyed by the sender's agent name at the Router layer), not the
// recipient's, so a resumed sender can discover which of its messages
// remain unacknowledged.
func (c *Connection) RecordPending(ackID string, env *envelope.Envelope, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAcks[ackID] = PendingDelivery{Envelope: env, Target: target, QueuedAt: time.Now()}
}

// ClearPending removes a pending delivery once its ACK arrives. Clearing
// an unknown id is tolerated (§8 boundary behavior) and reports ok=false.
func (c *Connection) ClearPending(ackID string) (PendingDelivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pd, ok := c.pendingAcks[ackID]
	if ok {
		delete(c.pendingAcks, ackID)
	}
	return pd, ok
}

// PendingOlderThan returns every pending delivery queued before the cutoff,
// for the ack-timeout sweep (§4.5 ACK handling).
func (c *Connection) PendingOlderThan(cutoff time.Time) map[string]PendingDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PendingDelivery)
	for id, pd := range c.pendingAcks {
		if pd.QueuedAt.Before(cutoff) {
			out[id] = pd
		}
	}
	return out
}
