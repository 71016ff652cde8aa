package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// SetManifest writes a manifest key. The manifest table records warmup
// metadata (last discovery time, tool counts, embedding model).
func (s *Store) SetManifest(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "marshal manifest %s", key)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifest (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(raw))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "set manifest %s", key)
	}
	return nil
}

// GetManifest reads a manifest key into out. Returns false when absent.
func (s *Store) GetManifest(ctx context.Context, key string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM manifest WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, uerr.Wrap(uerr.TagInternal, err, "get manifest %s", key)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, uerr.Wrap(uerr.TagInternal, err, "decode manifest %s", key)
	}
	return true, nil
}

// SavePlan persists a produced plan into tool_sequence and returns its id.
func (s *Store) SavePlan(ctx context.Context, goal string, steps any, confidence float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(steps)
	if err != nil {
		return "", uerr.Wrap(uerr.TagInternal, err, "marshal plan steps")
	}
	id := "plan:" + uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_sequence (id, goal, steps, confidence) VALUES (?, ?, ?, ?)`,
		id, goal, string(raw), confidence)
	if err != nil {
		return "", uerr.Wrap(uerr.TagInternal, err, "save plan")
	}
	return id, nil
}

// UpsertRegistry records an upstream registry endpoint for `POST /sync`.
func (s *Store) UpsertRegistry(ctx context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry (id, url) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url`, id, url)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "upsert registry %s", id)
	}
	return nil
}
