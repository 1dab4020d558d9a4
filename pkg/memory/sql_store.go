package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// SQLStore implements Store over PostgreSQL or SQLite via database/sql.
// It exists for deployments without Redis; the schema keeps the same
// semantics (ordered step list, digest sidecar, update index).
type SQLStore struct {
	db      *sql.DB
	dialect string
	mu      sync.Mutex
}

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id VARCHAR(255) PRIMARY KEY,
    digest TEXT,
    digest_covers INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const createStepsTableSQL = `
CREATE TABLE IF NOT EXISTS session_steps (
    session_id VARCHAR(255) NOT NULL,
    sequence_num INTEGER NOT NULL,
    step_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, sequence_num)
);

CREATE INDEX IF NOT EXISTS idx_steps_session ON session_steps(session_id);
`

// NewSQLStore opens the database named by the endpoint. A postgres://
// DSN selects the pq driver; anything else is treated as a SQLite path.
func NewSQLStore(endpoint string) (*SQLStore, error) {
	var driver, dialect, dsn string
	switch {
	case strings.HasPrefix(endpoint, "postgres://"), strings.HasPrefix(endpoint, "postgresql://"):
		driver, dialect, dsn = "postgres", "postgres", endpoint
	default:
		driver, dialect, dsn = "sqlite3", "sqlite", endpoint
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// Ping verifies connectivity at startup.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range []string{createSessionsTableSQL, createStepsTableSQL} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	session := &Session{ID: sessionID}

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT digest, digest_covers, updated_at FROM sessions WHERE session_id = ?`),
		sessionID)
	var digest sql.NullString
	if err := row.Scan(&digest, &session.DigestCovers, &session.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return session, nil
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	session.Digest = digest.String

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT step_json FROM session_steps WHERE session_id = ? ORDER BY sequence_num`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var step protocol.Step
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("corrupt step in session %s: %w", sessionID, err)
		}
		session.Steps = append(session.Steps, step)
	}
	return session, rows.Err()
}

func (s *SQLStore) AppendStep(ctx context.Context, sessionID string, step protocol.Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (session_id, digest, digest_covers, updated_at)
		VALUES (?, '', 0, ?)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = excluded.updated_at`),
		sessionID, now); err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sessionID, err)
	}

	var next int64
	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_steps WHERE session_id = ?`),
		sessionID)
	if err := row.Scan(&next); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO session_steps (session_id, sequence_num, step_json, created_at)
		VALUES (?, ?, ?, ?)`),
		sessionID, next, string(payload), now); err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) SaveDigest(ctx context.Context, sessionID, digest string, covers int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (session_id, digest, digest_covers, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			digest = excluded.digest,
			digest_covers = excluded.digest_covers,
			updated_at = excluded.updated_at`),
		sessionID, digest, covers, now)
	return err
}

func (s *SQLStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT session_id FROM sessions WHERE updated_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM session_steps WHERE session_id = ?`), sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// MutexLocker is the in-process Locker used with SQL stores, where a
// single instance owns the database file.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]chan struct{})}
}

func (l *MutexLocker) Acquire(ctx context.Context, sessionID string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	ch, held := l.locks[sessionID]
	if !held {
		ch = make(chan struct{}, 1)
		l.locks[sessionID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true, nil
	default:
		return nil, false, nil
	}
}
