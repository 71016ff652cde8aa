package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// GenerateAPIKey mints a fresh key in the uo_{8}_{32} display format,
// stores only its prefix and SHA-256, and returns the full key exactly
// once.
func (s *Store) GenerateAPIKey(ctx context.Context, name, userID string, expiresAt *time.Time) (fullKey string, rec *APIKeyRecord, err error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, uerr.Wrap(uerr.TagInternal, err, "generate key material")
	}
	prefix := hex.EncodeToString(buf[:4])
	secret := hex.EncodeToString(buf[4:])
	fullKey = fmt.Sprintf("uo_%s_%s", prefix, secret)

	rec = &APIKeyRecord{
		Prefix:    prefix,
		KeyHash:   HashAPIKey(fullKey),
		UserID:    userID,
		Name:      name,
		Active:    true,
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_key (prefix, key_hash, user_id, name, active, expires_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		rec.Prefix, rec.KeyHash, nullable(userID), name, expires)
	if err != nil {
		return "", nil, uerr.Wrap(uerr.TagInternal, err, "store api key")
	}
	return fullKey, rec, nil
}

// HashAPIKey returns the hex SHA-256 of a full key.
func HashAPIKey(fullKey string) string {
	sum := sha256.Sum256([]byte(fullKey))
	return hex.EncodeToString(sum[:])
}

// LookupAPIKey finds the key record matching the full key by hash,
// bucketed by prefix. Returns nil when no key matches.
func (s *Store) LookupAPIKey(ctx context.Context, fullKey string) (*APIKeyRecord, error) {
	if !strings.HasPrefix(fullKey, "uo_") || len(fullKey) < 12 || fullKey[11] != '_' {
		return nil, nil
	}
	prefix := fullKey[3:11]

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT prefix, key_hash, user_id, name, active, expires_at, scopes
		FROM api_key WHERE prefix = ?`, prefix)
	rec, err := scanAPIKey(row)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.KeyHash != HashAPIKey(fullKey) {
		return nil, nil
	}
	return rec, nil
}

// ListAPIKeys returns all key records ordered by creation.
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, key_hash, user_id, name, active, expires_at, scopes
		FROM api_key ORDER BY created_at`)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list api keys")
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RevokeAPIKey deactivates the key with the given prefix. Returns false
// when no such key exists.
func (s *Store) RevokeAPIKey(ctx context.Context, prefix string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE api_key SET active = 0 WHERE prefix = ?`, prefix)
	if err != nil {
		return false, uerr.Wrap(uerr.TagInternal, err, "revoke api key %s", prefix)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchAPIKey records a successful use.
func (s *Store) TouchAPIKey(ctx context.Context, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.ExecContext(ctx,
		`UPDATE api_key SET last_used = CURRENT_TIMESTAMP WHERE prefix = ?`, prefix)
}

func scanAPIKey(row rowScanner) (*APIKeyRecord, error) {
	var rec APIKeyRecord
	var userID, scopes sql.NullString
	var active int
	var expires sql.NullTime
	err := row.Scan(&rec.Prefix, &rec.KeyHash, &userID, &rec.Name, &active, &expires, &scopes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "scan api key")
	}
	rec.UserID = scanString(userID)
	rec.Active = active != 0
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	if scopes.Valid && scopes.String != "" {
		_ = json.Unmarshal([]byte(scopes.String), &rec.Scopes)
	}
	return &rec, nil
}
