package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertMemory stores one memory entry for the co-resident tool and returns
// its row id.
func (s *Store) InsertMemory(ctx context.Context, content string, importance int, tags []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (content, importance, tags, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		content, importance, strings.Join(tags, ","), fmtTime(time.Now().UTC()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// MarkMemoryRemote records the remote handle for a memory after a
// successful retention POST.
func (s *Store) MarkMemoryRemote(ctx context.Context, memoryID int64, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_sync_state (memory_id, remote_id, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (memory_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			synced_at = excluded.synced_at`,
		memoryID, nullStr(remoteID), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("mark memory remote: %w", err)
	}
	return nil
}

// RecentMemories returns up to limit memories, newest first.
func (s *Store) RecentMemories(ctx context.Context, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, importance, tags, created_at
		FROM memories ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var tags, createdAt string
		if err := rows.Scan(&m.ID, &m.Content, &m.Importance, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tags != "" {
			m.Tags = strings.Split(tags, ",")
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and cascades to its messages and
// observations. The core never calls this; it exists for the control plane
// and tests.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session %d: %w", sessionID, err)
		}
		return nil
	})
}
