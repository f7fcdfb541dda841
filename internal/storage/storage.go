// Package storage defines the durable store contract (§6) behind sessions,
// messages, and per-stream sequence cursors, plus the one in-process SQLite
// implementation the broker ships with.
package storage

import (
	"context"
	"time"
)

// Session is a single agent's connected lifetime, as persisted for replay
// and resume (§3).
type Session struct {
	ID          string
	AgentName   string
	CLI         string
	ProjectID   string
	ProjectRoot string
	StartedAt   time.Time
	EndedAt     *time.Time
	ClosedBy    string // "agent" | "disconnect" | "error"
	ResumeToken string
	Summary     string
}

// Message is a single routed SEND, persisted for replay and audit (§3).
type Message struct {
	ID        string
	From      string
	To        string
	Topic     string
	Seq       uint64
	Body      string
	Data      map[string]any
	Thread    string
	TS        int64
	SessionID string
}

// StreamWatermark is one row of GetMaxSeqByStream: the highest seq a
// recipient has already had persisted on a given (topic, peer) stream.
type StreamWatermark struct {
	Topic  string
	Peer   string
	MaxSeq uint64
}

// Store is the durable persistence contract (§6). All methods may fail
// with a transient I/O error; callers (the Router) treat persistence
// failures as non-fatal and log them rather than aborting delivery.
type Store interface {
	// Init prepares the store (schema creation, migrations).
	Init(ctx context.Context) error

	// StartSession records the beginning of a new agent session.
	StartSession(ctx context.Context, s Session) error

	// EndSession marks a session closed.
	EndSession(ctx context.Context, id string, summary string, closedBy string) error

	// GetSessionByResumeToken looks up a session by its resume token, or
	// returns (nil, nil) if none matches.
	GetSessionByResumeToken(ctx context.Context, token string) (*Session, error)

	// GetMaxSeqByStream returns, for every (topic, peer) stream addressed to
	// agentName in the given session, the highest seq persisted so far.
	GetMaxSeqByStream(ctx context.Context, agentName, sessionID string) ([]StreamWatermark, error)

	// AppendMessage persists a routed message.
	AppendMessage(ctx context.Context, m Message) error

	// GetMessagesAfter returns, in seq order, every message addressed to
	// agentName whose seq exceeds the given per-stream watermark. The
	// result is a finite, one-shot slice (not restartable).
	GetMessagesAfter(ctx context.Context, agentName, sessionID string, watermark map[string]uint64) ([]Message, error)

	// Close releases underlying resources.
	Close() error
}

// StreamKey formats a (topic, peer) pair into the map key used by
// GetMessagesAfter's watermark argument and the Connection's sequence
// counters.
func StreamKey(topic, peer string) string {
	if topic == "" {
		topic = "default"
	}
	return topic + "\x00" + peer
}
