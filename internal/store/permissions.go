package store

import (
	"context"
	"fmt"
	"time"

	"kanban/api/internal/rbac"
)

// Wildcard matches every user or every resource in a grant.
const Wildcard = "*"

type Grant struct {
	User       string     `json:"user"`
	ResourceID string     `json:"resourceId"`
	Level      rbac.Level `json:"level"`
	GrantedBy  string     `json:"grantedBy"`
	GrantedAt  time.Time  `json:"grantedAt"`
}

// CheckPermission returns the highest level granted to user on resourceID,
// counting wildcard grants. No matching grant is LevelNone.
func (s *Store) CheckPermission(ctx context.Context, user, resourceID string) (rbac.Level, error) {
	const query = `
		SELECT COALESCE(MAX(level), 0)
		FROM board_permissions
		WHERE user_name IN ($1, '*') AND resource_id IN ($2, '*')
	`
	var level int
	if err := s.db.QueryRowContext(ctx, query, user, resourceID).Scan(&level); err != nil {
		return rbac.LevelNone, fmt.Errorf("check permission: %w", err)
	}
	return rbac.Level(level), nil
}

func (s *Store) Grant(ctx context.Context, grant Grant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_permissions (user_name, resource_id, level, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_name, resource_id)
		DO UPDATE SET level = EXCLUDED.level, granted_by = EXCLUDED.granted_by, granted_at = NOW()
	`, grant.User, grant.ResourceID, int(grant.Level), grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

// Revoke deletes one grant and reports whether it existed.
func (s *Store) Revoke(ctx context.Context, user, resourceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM board_permissions WHERE user_name = $1 AND resource_id = $2`, user, resourceID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return n > 0, nil
}

// ListGrants returns the grants that apply to resourceID, wildcards
// included.
func (s *Store) ListGrants(ctx context.Context, resourceID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_name, resource_id, level, granted_by, granted_at
		FROM board_permissions
		WHERE resource_id IN ($1, '*')
		ORDER BY user_name, resource_id
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var level int
		if err := rows.Scan(&g.User, &g.ResourceID, &level, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Level = rbac.Level(level)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}
