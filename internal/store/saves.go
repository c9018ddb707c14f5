package store

import (
	"context"
	"fmt"
	"time"
)

// SaveRecord is one audited board save.
type SaveRecord struct {
	DocumentID string    `json:"documentId"`
	CommitHash string    `json:"commitHash"`
	Author     string    `json:"author"`
	Summary    string    `json:"summary"`
	LockOwner  string    `json:"lockOwner"`
	SavedAt    time.Time `json:"savedAt"`
}

func (s *Store) RecordSave(ctx context.Context, rec SaveRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_saves (document_id, commit_hash, author, summary, lock_owner)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.DocumentID, rec.CommitHash, rec.Author, rec.Summary, rec.LockOwner)
	if err != nil {
		return fmt.Errorf("insert board save: %w", err)
	}
	return nil
}

func (s *Store) RecentSaves(ctx context.Context, documentID string, limit int) ([]SaveRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, commit_hash, author, summary, lock_owner, saved_at
		FROM board_saves
		WHERE document_id = $1
		ORDER BY saved_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list board saves: %w", err)
	}
	defer rows.Close()

	var saves []SaveRecord
	for rows.Next() {
		var rec SaveRecord
		if err := rows.Scan(&rec.DocumentID, &rec.CommitHash, &rec.Author, &rec.Summary, &rec.LockOwner, &rec.SavedAt); err != nil {
			return nil, fmt.Errorf("scan board save: %w", err)
		}
		saves = append(saves, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board saves: %w", err)
	}
	return saves, nil
}
