// Package memstore provides an in-memory storage.Store fake for unit tests
// that exercise the router and connection layers without a sqlite file,
// following the teacher's fakeRepo testing convention.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ashureev/relayd/internal/storage"
)

// Store is a goroutine-safe, in-memory implementation of storage.Store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]storage.Session
	byToken  map[string]string // resume_token -> session id
	messages []storage.Message
	cursors  map[string]uint64 // agentName|sessionID|topic|peer -> maxSeq
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]storage.Session),
		byToken:  make(map[string]string),
		cursors:  make(map[string]uint64),
	}
}

// Init is a no-op; there is no schema to create.
func (s *Store) Init(_ context.Context) error { return nil }

// StartSession records a new session.
func (s *Store) StartSession(_ context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	if sess.ResumeToken != "" {
		s.byToken[sess.ResumeToken] = sess.ID
	}
	return nil
}

// EndSession marks a session closed.
func (s *Store) EndSession(_ context.Context, id string, summary string, closedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.Summary = summary
	sess.ClosedBy = closedBy
	s.sessions[id] = sess
	return nil
}

// GetSessionByResumeToken looks up a session by token.
func (s *Store) GetSessionByResumeToken(_ context.Context, token string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, nil
	}
	sess := s.sessions[id]
	return &sess, nil
}

// GetMaxSeqByStream returns the watermark for every stream this session
// has persisted, derived from the cursors map.
func (s *Store) GetMaxSeqByStream(_ context.Context, agentName, sessionID string) ([]storage.StreamWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.StreamWatermark
	prefix := agentName + "|" + sessionID + "|"
	for key, maxSeq := range s.cursors {
		if !hasPrefix(key, prefix) {
			continue
		}
		topic, peer := splitStreamSuffix(key[len(prefix):])
		out = append(out, storage.StreamWatermark{Topic: topic, Peer: peer, MaxSeq: maxSeq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

// AppendMessage stores a message and advances its cursor.
func (s *Store) AppendMessage(_ context.Context, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, m)

	topic := m.Topic
	if topic == "" {
		topic = "default"
	}
	key := m.To + "|" + m.SessionID + "|" + topic + "|" + m.From
	if m.Seq > s.cursors[key] {
		s.cursors[key] = m.Seq
	}
	return nil
}

// GetMessagesAfter returns stored messages for agentName/sessionID past
// the given per-stream watermark, in seq order.
func (s *Store) GetMessagesAfter(_ context.Context, agentName, sessionID string, watermark map[string]uint64) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Message
	for _, m := range s.messages {
		if m.To != agentName || m.SessionID != sessionID {
			continue
		}
		key := storage.StreamKey(m.Topic, m.From)
		if m.Seq <= watermark[key] {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func splitStreamSuffix(s string) (topic, peer string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
