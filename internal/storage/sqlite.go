package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/relayd/internal/shared"
	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database opened in
// WAL mode, the same DSN and pool shape the teacher's store package uses.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store. Init must be called before
// use.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Init creates the schema if it does not already exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		cli TEXT,
		project_id TEXT,
		project_root TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		closed_by TEXT,
		resume_token TEXT,
		summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_resume_token ON sessions(resume_token) WHERE resume_token IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		topic TEXT,
		seq INTEGER NOT NULL,
		body TEXT NOT NULL,
		data_json TEXT,
		thread TEXT,
		ts INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(agent_name, session_id, seq);

	CREATE TABLE IF NOT EXISTS stream_cursors (
		agent_name TEXT NOT NULL,
		session_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		peer TEXT NOT NULL,
		max_seq INTEGER NOT NULL,
		PRIMARY KEY (agent_name, session_id, topic, peer)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// StartSession inserts a new session row.
func (s *SQLiteStore) StartSession(ctx context.Context, sess Session) error {
	query := `
	INSERT INTO sessions (id, agent_name, cli, project_id, project_root, started_at, resume_token)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.AgentName, sess.CLI, sess.ProjectID, sess.ProjectRoot,
		sess.StartedAt.UnixMilli(), nullableString(sess.ResumeToken))
	if err != nil {
		return fmt.Errorf("start session: %w", classify(err))
	}
	return nil
}

// EndSession marks a session's end time, closer, and optional summary.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, summary string, closedBy string) error {
	query := `UPDATE sessions SET ended_at = ?, closed_by = ?, summary = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), closedBy, nullableString(summary), id)
	if err != nil {
		return fmt.Errorf("end session: %w", classify(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("end session %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// GetSessionByResumeToken looks up the most recent session for a token.
func (s *SQLiteStore) GetSessionByResumeToken(ctx context.Context, token string) (*Session, error) {
	query := `
	SELECT id, agent_name, cli, project_id, project_root, started_at, ended_at, closed_by, resume_token, summary
	FROM sessions WHERE resume_token = ? ORDER BY started_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, token)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by resume token: %w", classify(err))
	}
	return sess, nil
}

// GetMaxSeqByStream returns every (topic, peer) watermark recorded for a
// session.
func (s *SQLiteStore) GetMaxSeqByStream(ctx context.Context, agentName, sessionID string) ([]StreamWatermark, error) {
	query := `SELECT topic, peer, max_seq FROM stream_cursors WHERE agent_name = ? AND session_id = ?`
	rows, err := s.db.QueryContext(ctx, query, agentName, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get max seq by stream: %w", classify(err))
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("storage: failed to close stream cursor rows", "error", closeErr)
		}
	}()

	var out []StreamWatermark
	for rows.Next() {
		var w StreamWatermark
		if err := rows.Scan(&w.Topic, &w.Peer, &w.MaxSeq); err != nil {
			return nil, fmt.Errorf("scan stream cursor: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AppendMessage persists a routed message and advances its stream cursor,
// retrying on SQLITE_BUSY the way the teacher's agent-session writes do.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	return withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var dataJSON any
		if m.Data != nil {
			b, err := json.Marshal(m.Data)
			if err != nil {
				return fmt.Errorf("marshal message data: %w", err)
			}
			dataJSON = string(b)
		}

		insert := `
		INSERT INTO messages (id, from_agent, to_agent, topic, seq, body, data_json, thread, ts, session_id, agent_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert,
			m.ID, m.From, m.To, nullableString(m.Topic), m.Seq, m.Body, dataJSON,
			nullableString(m.Thread), m.TS, m.SessionID, m.To,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		upsert := `
		INSERT INTO stream_cursors (agent_name, session_id, topic, peer, max_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_name, session_id, topic, peer) DO UPDATE SET
			max_seq = MAX(stream_cursors.max_seq, excluded.max_seq)`
		topic := m.Topic
		if topic == "" {
			topic = "default"
		}
		if _, err := tx.ExecContext(ctx, upsert, m.To, m.SessionID, topic, m.From, m.Seq); err != nil {
			return fmt.Errorf("upsert stream cursor: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append message: %w", err)
		}
		return nil
	})
}

// GetMessagesAfter returns every message for agentName/sessionID whose seq
// exceeds the caller's per-stream watermark, ordered by seq for replay.
func (s *SQLiteStore) GetMessagesAfter(ctx context.Context, agentName, sessionID string, watermark map[string]uint64) ([]Message, error) {
	query := `
	SELECT id, from_agent, to_agent, topic, seq, body, data_json, thread, ts, session_id
	FROM messages WHERE agent_name = ? AND session_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, agentName, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages after: %w", classify(err))
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("storage: failed to close messages rows", "error", closeErr)
		}
	}()

	var out []Message
	for rows.Next() {
		var m Message
		var topic, dataJSON, thread sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &m.To, &topic, &m.Seq, &m.Body, &dataJSON, &thread, &m.TS, &m.SessionID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Topic = topic.String
		m.Thread = thread.String
		if dataJSON.Valid {
			if err := json.Unmarshal([]byte(dataJSON.String), &m.Data); err != nil {
				return nil, fmt.Errorf("unmarshal message data: %w", err)
			}
		}

		key := StreamKey(m.Topic, m.From)
		if m.Seq <= watermark[key] {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var cli, projectID, projectRoot, closedBy, resumeToken, summary sql.NullString
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(&sess.ID, &sess.AgentName, &cli, &projectID, &projectRoot,
		&startedAt, &endedAt, &closedBy, &resumeToken, &summary)
	if err != nil {
		return nil, err
	}

	sess.CLI = cli.String
	sess.ProjectID = projectID.String
	sess.ProjectRoot = projectRoot.String
	sess.ClosedBy = closedBy.String
	sess.ResumeToken = resumeToken.String
	sess.Summary = summary.String
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify wraps a raw sqlite error in the errdefs vocabulary the rest of
// the broker checks with errdefs.Is*, per SPEC_FULL's error-classification
// ambient stack.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsSQLiteConflictError(err) {
		return fmt.Errorf("%w: %s", errdefs.ErrUnavailable, err.Error())
	}
	return err
}

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
)

// withRetry retries op with exponential backoff on SQLITE_BUSY/"database is
// locked", mirroring the teacher's deleteAgentSessionWithRetry helper.
func withRetry(ctx context.Context, op string, fn func() error) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			return fmt.Errorf("%s: %w after %d attempts", op, err, maxRetries)
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("storage: retrying after SQLITE_BUSY", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
