package store

import (
	"context"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// SaveCompatibility records that from_tool's output can feed to_tool's
// input with the given confidence.
func (s *Store) SaveCompatibility(ctx context.Context, rec CompatibilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_compatibility (from_tool, to_tool, confidence)
		VALUES (?, ?, ?)
		ON CONFLICT(from_tool, to_tool) DO UPDATE SET confidence = excluded.confidence`,
		rec.FromTool, rec.ToTool, rec.Confidence)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "save compatibility %s -> %s", rec.FromTool, rec.ToTool)
	}
	return nil
}

// ListCompatibilities returns all persisted compatibility records.
func (s *Store) ListCompatibilities(ctx context.Context) ([]CompatibilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_tool, to_tool, confidence FROM tool_compatibility ORDER BY from_tool, to_tool`)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list compatibilities")
	}
	defer rows.Close()

	var out []CompatibilityRecord
	for rows.Next() {
		var rec CompatibilityRecord
		if err := rows.Scan(&rec.FromTool, &rec.ToTool, &rec.Confidence); err != nil {
			return nil, uerr.Wrap(uerr.TagInternal, err, "scan compatibility")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
