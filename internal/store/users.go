package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// GetOrCreateUser returns the user for (externalID, provider), creating it
// on first sight. Subsequent calls return the same user id.
func (s *Store) GetOrCreateUser(ctx context.Context, externalID, provider, email, displayName string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.findUser(ctx, externalID, provider)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec = &UserRecord{
		ID:          "user:" + uuid.NewString(),
		ExternalID:  externalID,
		Provider:    provider,
		Email:       email,
		DisplayName: displayName,
		Active:      true,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user (id, external_id, identity_provider, email, display_name, active)
		VALUES (?, ?, ?, ?, ?, 1)`,
		rec.ID, externalID, provider, nullable(email), nullable(displayName))
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "create user %s", externalID)
	}
	return rec, nil
}

// GetUser loads a user by id, or nil.
func (s *Store) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, identity_provider, email, display_name, active
		FROM user WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) findUser(ctx context.Context, externalID, provider string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, identity_provider, email, display_name, active
		FROM user WHERE external_id = ? AND identity_provider = ?`, externalID, provider)
	return scanUser(row)
}

func scanUser(row rowScanner) (*UserRecord, error) {
	var rec UserRecord
	var email, name sql.NullString
	var active int
	err := row.Scan(&rec.ID, &rec.ExternalID, &rec.Provider, &email, &name, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "scan user")
	}
	rec.Email = scanString(email)
	rec.DisplayName = scanString(name)
	rec.Active = active != 0
	return &rec, nil
}

// GetPreferences returns the user's preferences, materializing defaults on
// first access.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, default_approval_mode, trusted_services, blocked_services,
		       elicitation_timeout_seconds, remember_decisions, notify_on_approval, notify_on_completion
		FROM user_preferences WHERE user_id = ?`, userID)

	var p Preferences
	var trusted, blocked string
	var remember, notifyApproval, notifyCompletion int
	err := row.Scan(&p.UserID, &p.DefaultApprovalMode, &trusted, &blocked,
		&p.ElicitationTimeoutSeconds, &remember, &notifyApproval, &notifyCompletion)
	if err == sql.ErrNoRows {
		defaults := DefaultPreferences(userID)
		if err := s.savePreferencesLocked(ctx, &defaults); err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "load preferences for %s", userID)
	}
	if err := json.Unmarshal([]byte(trusted), &p.TrustedServices); err != nil {
		p.TrustedServices = nil
	}
	if err := json.Unmarshal([]byte(blocked), &p.BlockedServices); err != nil {
		p.BlockedServices = nil
	}
	p.RememberDecisions = remember != 0
	p.NotifyOnApproval = notifyApproval != 0
	p.NotifyOnCompletion = notifyCompletion != 0
	return &p, nil
}

// SavePreferences persists the full preferences row.
func (s *Store) SavePreferences(ctx context.Context, p *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePreferencesLocked(ctx, p)
}

func (s *Store) savePreferencesLocked(ctx context.Context, p *Preferences) error {
	trusted, _ := json.Marshal(p.TrustedServices)
	blocked, _ := json.Marshal(p.BlockedServices)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, default_approval_mode, trusted_services, blocked_services,
			elicitation_timeout_seconds, remember_decisions, notify_on_approval, notify_on_completion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			default_approval_mode = excluded.default_approval_mode,
			trusted_services = excluded.trusted_services,
			blocked_services = excluded.blocked_services,
			elicitation_timeout_seconds = excluded.elicitation_timeout_seconds,
			remember_decisions = excluded.remember_decisions,
			notify_on_approval = excluded.notify_on_approval,
			notify_on_completion = excluded.notify_on_completion`,
		p.UserID, p.DefaultApprovalMode, string(trusted), string(blocked),
		p.ElicitationTimeoutSeconds, boolInt(p.RememberDecisions),
		boolInt(p.NotifyOnApproval), boolInt(p.NotifyOnCompletion))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "save preferences for %s", p.UserID)
	}
	return nil
}

// AppendAudit writes an audit entry. Audit is append-only and best-effort:
// callers ignore the returned error at call sites that must not fail.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, resource, ip, user_agent)
		VALUES (?, ?, ?, ?, ?)`,
		nullable(e.UserID), e.Action, nullable(e.Resource), nullable(e.IP), nullable(e.UserAgent))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "append audit")
	}
	return nil
}

// ListAudit returns the most recent audit entries for a user, newest
// first.
func (s *Store) ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, action, resource, ip, user_agent, created_at
		FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list audit")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var uid, resource, ip, agent sql.NullString
		if err := rows.Scan(&uid, &e.Action, &resource, &ip, &agent, &e.CreatedAt); err != nil {
			return nil, uerr.Wrap(uerr.TagInternal, err, "scan audit")
		}
		e.UserID = scanString(uid)
		e.Resource = scanString(resource)
		e.IP = scanString(ip)
		e.UserAgent = scanString(agent)
		out = append(out, e)
	}
	return out, rows.Err()
}
