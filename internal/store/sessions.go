package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertSession inserts or updates a session keyed by (source, external_id).
// On return sess.ID is populated with the store-assigned row id.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (source, external_id, title, created_at, updated_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, external_id) DO UPDATE SET
			title        = excluded.title,
			updated_at   = excluded.updated_at,
			content_hash = excluded.content_hash
		RETURNING id`,
		sess.Source, sess.ExternalID, sess.Title,
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt), sess.ContentHash,
	).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("upsert session %s/%s: %w", sess.Source, sess.ExternalID, err)
	}
	return nil
}

// UpsertMessages writes a batch of messages in one transaction. Conflicts on
// (session_id, role, created_at) update content and token_count, so replayed
// ingestion is idempotent.
func (s *Store) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (session_id, role, content, created_at, token_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, role, created_at) DO UPDATE SET
				content     = excluded.content,
				token_count = excluded.token_count`)
		if err != nil {
			return fmt.Errorf("prepare message upsert: %w", err)
		}
		defer stmt.Close()
		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, m.SessionID, m.Role, m.Content, fmtTime(m.CreatedAt), nullInt(m.TokenCount)); err != nil {
				return fmt.Errorf("upsert message: %w", err)
			}
		}
		return nil
	})
}

// GetSession returns the session for (source, externalID), or nil when absent.
func (s *Store) GetSession(ctx context.Context, source Source, externalID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions WHERE source = ? AND external_id = ?`, source, externalID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetPendingSync returns up to batchSize sessions whose local state is newer
// than their last sync, most recently updated first.
func (s *Store) GetPendingSync(ctx context.Context, batchSize int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions
		WHERE synced_at IS NULL OR updated_at > synced_at
		ORDER BY updated_at DESC
		LIMIT ?`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending sync: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// MarkSynced records a completed cloud sync: it stamps the session's
// synced_at and upserts the ledger row in one transaction so the two can
// never drift.
func (s *Store) MarkSynced(ctx context.Context, sessionID int64, docServiceID string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var source, externalID string
		if err := tx.QueryRowContext(ctx,
			`SELECT source, external_id FROM sessions WHERE id = ?`, sessionID,
		).Scan(&source, &externalID); err != nil {
			return fmt.Errorf("resolve session %d: %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET synced_at = ? WHERE id = ?`, fmtTime(now), sessionID); err != nil {
			return fmt.Errorf("stamp synced_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_ledger (source, external_id, last_synced_at, doc_service_id, memory_synced)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT (source, external_id) DO UPDATE SET
				last_synced_at = excluded.last_synced_at,
				doc_service_id = excluded.doc_service_id`,
			source, externalID, fmtTime(now), nullStr(docServiceID)); err != nil {
			return fmt.Errorf("upsert ledger: %w", err)
		}
		return nil
	})
}

// MarkMemorySynced flags the ledger row after a successful memory POST.
func (s *Store) MarkMemorySynced(ctx context.Context, source Source, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_ledger SET memory_synced = 1 WHERE source = ? AND external_id = ?`,
		source, externalID)
	if err != nil {
		return fmt.Errorf("mark memory synced: %w", err)
	}
	return nil
}

// GetLedger returns the ledger entry for a session, or nil when absent.
func (s *Store) GetLedger(ctx context.Context, source Source, externalID string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e LedgerEntry
	var syncedAt string
	var docID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT source, external_id, last_synced_at, doc_service_id, memory_synced
		FROM sync_ledger WHERE source = ? AND external_id = ?`, source, externalID,
	).Scan(&e.Source, &e.ExternalID, &syncedAt, &docID, &e.MemorySynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	e.LastSyncedAt = parseTime(syncedAt)
	e.DocServiceID = docID.String
	return &e, nil
}

// GetMessages returns all messages of a session ordered by created_at.
func (s *Store) GetMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at, token_count
		FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// Search runs a full-text query over message content, best matches first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.created_at, m.token_count
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessageCount returns the number of messages stored for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SessionCount returns the number of stored sessions. Used by the control
// plane status endpoint.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string
	var syncedAt sql.NullString
	if err := r.Scan(&sess.ID, &sess.Source, &sess.ExternalID, &sess.Title,
		&createdAt, &updatedAt, &syncedAt, &sess.ContentHash); err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		sess.SyncedAt = &t
	}
	return &sess, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &tokens); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
