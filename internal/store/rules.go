package store

import (
	"context"
	"database/sql"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// SaveRule inserts or replaces a symbolic rule.
func (s *Store) SaveRule(ctx context.Context, rec *RuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbolic_rule (id, name, description, antecedents, consequents, confidence, priority, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			antecedents = excluded.antecedents,
			consequents = excluded.consequents,
			confidence = excluded.confidence,
			priority = excluded.priority,
			is_active = excluded.is_active`,
		rec.ID, rec.Name, nullable(rec.Description),
		string(rec.Antecedents), string(rec.Consequents),
		rec.Confidence, rec.Priority, boolInt(rec.Active))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "save rule %s", rec.ID)
	}
	return nil
}

// ListActiveRules returns active rules ordered by priority descending,
// id ascending for determinism.
func (s *Store) ListActiveRules(ctx context.Context) ([]RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, antecedents, consequents, confidence, priority, is_active
		FROM symbolic_rule WHERE is_active = 1
		ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list rules")
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		var rec RuleRecord
		var desc sql.NullString
		var antecedents, consequents string
		var active int
		if err := rows.Scan(&rec.ID, &rec.Name, &desc, &antecedents, &consequents,
			&rec.Confidence, &rec.Priority, &active); err != nil {
			return nil, uerr.Wrap(uerr.TagInternal, err, "scan rule")
		}
		rec.Description = scanString(desc)
		rec.Antecedents = []byte(antecedents)
		rec.Consequents = []byte(consequents)
		rec.Active = active != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}
