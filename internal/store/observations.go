package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertObservations writes a batch of observations in one transaction.
// Conflicts on (session_id, sequence_number) update all mutable fields.
// Each element's ID is back-populated with the assigned row id.
func (s *Store) UpsertObservations(ctx context.Context, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO observations
				(session_id, observation_type, tool_name, file_path, content,
				 token_count, sequence_number, parent_observation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, sequence_number) DO UPDATE SET
				observation_type      = excluded.observation_type,
				tool_name             = excluded.tool_name,
				file_path             = excluded.file_path,
				content               = excluded.content,
				token_count           = excluded.token_count,
				parent_observation_id = excluded.parent_observation_id
			RETURNING id`)
		if err != nil {
			return fmt.Errorf("prepare observation upsert: %w", err)
		}
		defer stmt.Close()
		for i := range obs {
			o := &obs[i]
			var parent sql.NullInt64
			if o.ParentID != nil {
				parent = sql.NullInt64{Int64: *o.ParentID, Valid: true}
			}
			err := stmt.QueryRowContext(ctx,
				o.SessionID, o.Type, nullStr(o.ToolName), nullStr(o.FilePath), o.Content,
				nullInt(o.TokenCount), o.Sequence, parent, fmtTime(o.CreatedAt),
			).Scan(&o.ID)
			if err != nil {
				return fmt.Errorf("upsert observation seq %d: %w", o.Sequence, err)
			}
		}
		return nil
	})
}

// UpdateObservationParents sets parent_observation_id for each pair in one
// transaction. Missing ids are a no-op.
func (s *Store) UpdateObservationParents(ctx context.Context, pairs []ParentUpdate) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE observations SET parent_observation_id = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare parent update: %w", err)
		}
		defer stmt.Close()
		for _, p := range pairs {
			if _, err := stmt.ExecContext(ctx, p.ParentID, p.ObservationID); err != nil {
				return fmt.Errorf("update parent of %d: %w", p.ObservationID, err)
			}
		}
		return nil
	})
}

// GetObservations returns all observations of a session in sequence order.
func (s *Store) GetObservations(ctx context.Context, sessionID int64) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, observation_type, tool_name, file_path, content,
		       token_count, sequence_number, parent_observation_id, created_at
		FROM observations WHERE session_id = ? ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()
	return collectObservations(rows)
}

// MaxSequence returns the highest sequence_number stored for a session, or
// -1 when the session has no observations.
func (s *Store) MaxSequence(ctx context.Context, sessionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM observations WHERE session_id = ?`, sessionID,
	).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("max sequence: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// SearchObservations runs a full-text query over observation content and
// tool names, best matches first.
func (s *Store) SearchObservations(ctx context.Context, query string, limit int) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.session_id, o.observation_type, o.tool_name, o.file_path, o.content,
		       o.token_count, o.sequence_number, o.parent_observation_id, o.created_at
		FROM observations_fts f
		JOIN observations o ON o.id = f.rowid
		WHERE observations_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	defer rows.Close()
	return collectObservations(rows)
}

func collectObservations(rows *sql.Rows) ([]Observation, error) {
	var out []Observation
	for rows.Next() {
		var o Observation
		var toolName, filePath sql.NullString
		var tokens, parent sql.NullInt64
		var createdAt string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Type, &toolName, &filePath, &o.Content,
			&tokens, &o.Sequence, &parent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.ToolName = toolName.String
		o.FilePath = filePath.String
		if tokens.Valid {
			n := int(tokens.Int64)
			o.TokenCount = &n
		}
		if parent.Valid {
			p := parent.Int64
			o.ParentID = &p
		}
		o.CreatedAt = parseTime(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
