package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// SavePermission inserts a permission record.
func (s *Store) SavePermission(ctx context.Context, p *PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = "permission:" + uuid.NewString()
	}
	var expires any
	if p.ExpiresAt != nil {
		expires = p.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission (id, user_id, service, tool, status, scope, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Service, nullable(p.Tool), p.Status, p.Scope, expires)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "save permission")
	}
	return nil
}

// FindLivePermission returns a currently valid Granted permission for
// (user, service) that either covers the whole service or names the tool.
// Expired rows are marked Expired as a side effect.
func (s *Store) FindLivePermission(ctx context.Context, userID, service, tool string) (*PermissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, service, tool, status, scope, expires_at
		FROM permission
		WHERE user_id = ? AND service = ? AND status = ? AND (tool IS NULL OR tool = ?)
		ORDER BY created_at DESC`,
		userID, service, PermGranted, tool)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "query permissions")
	}
	defer rows.Close()

	now := time.Now()
	var expired []string
	var live *PermissionRecord
	for rows.Next() {
		rec, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
			expired = append(expired, rec.ID)
			continue
		}
		if live == nil {
			live = rec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "iterate permissions")
	}
	for _, id := range expired {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE permission SET status = ? WHERE id = ?`, PermExpired, id); err != nil {
			return nil, uerr.Wrap(uerr.TagInternal, err, "expire permission %s", id)
		}
	}
	return live, nil
}

// ConsumePermission deletes a one-shot permission after its single use.
// Persistent permissions are left untouched.
func (s *Store) ConsumePermission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permission WHERE id = ? AND scope = ?`, id, ScopeOneShot)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "consume permission %s", id)
	}
	return nil
}

// RevokePermissions marks every permission for (user, service) revoked by
// deleting the rows.
func (s *Store) RevokePermissions(ctx context.Context, userID, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permission WHERE user_id = ? AND service = ?`, userID, service)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "revoke permissions")
	}
	return nil
}

// CountPermissions reports how many permission rows exist for a user.
// Test hook for the one-shot consumption property.
func (s *Store) CountPermissions(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM permission WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, uerr.Wrap(uerr.TagInternal, err, "count permissions")
	}
	return n, nil
}

func scanPermission(row rowScanner) (*PermissionRecord, error) {
	var rec PermissionRecord
	var tool sql.NullString
	var expires sql.NullTime
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Service, &tool, &rec.Status, &rec.Scope, &expires)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "scan permission")
	}
	rec.Tool = scanString(tool)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
