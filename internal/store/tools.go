package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// UpsertTool creates or refreshes a tool record keyed by
// (service_id, name).
func (s *Store) UpsertTool(ctx context.Context, rec *ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = "tool:" + strings.TrimPrefix(rec.ServiceID, "service:") + "/" + rec.Name
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool (id, service_id, name, description, input_schema, output_schema,
		                  input_ty, output_ty, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_id, name) DO UPDATE SET
			description = excluded.description,
			input_schema = excluded.input_schema,
			output_schema = excluded.output_schema,
			input_ty = excluded.input_ty,
			output_ty = excluded.output_ty,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.ServiceID, rec.Name, nullable(rec.Description),
		string(rec.InputSchema), nullableRaw(rec.OutputSchema),
		nullable(rec.InputTy), nullable(rec.OutputTy), nullable(rec.ContentHash))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "upsert tool %s", rec.Name)
	}
	return nil
}

const toolColumns = `t.id, t.service_id, s.name, t.name, t.description, t.input_schema,
	t.output_schema, t.input_ty, t.output_ty, t.content_hash, t.usage_count`

// GetTool loads a tool by id, or nil when absent.
func (s *Store) GetTool(ctx context.Context, id string) (*ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+` FROM tool t JOIN service s ON s.id = t.service_id
		WHERE t.id = ?`, id)
	return scanTool(row)
}

// GetToolByName loads a tool by (service name, tool name).
func (s *Store) GetToolByName(ctx context.Context, serviceName, toolName string) (*ToolRecord, error) {
	return s.GetTool(ctx, ToolID(serviceName, toolName))
}

// ListTools returns every indexed tool ordered by id.
func (s *Store) ListTools(ctx context.Context) ([]ToolRecord, error) {
	return s.queryTools(ctx, `
		SELECT `+toolColumns+` FROM tool t JOIN service s ON s.id = t.service_id
		ORDER BY t.id`)
}

// ListToolsByService returns the tools belonging to one service.
func (s *Store) ListToolsByService(ctx context.Context, serviceID string) ([]ToolRecord, error) {
	return s.queryTools(ctx, `
		SELECT `+toolColumns+` FROM tool t JOIN service s ON s.id = t.service_id
		WHERE t.service_id = ? ORDER BY t.name`, serviceID)
}

// DeleteToolsExcept removes tools of a service that are not in keep.
// Used when a rediscovered service no longer advertises a tool.
func (s *Store) DeleteToolsExcept(ctx context.Context, serviceID string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tool WHERE service_id = ?`, serviceID)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "list tools of %s", serviceID)
	}
	var stale []string
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return uerr.Wrap(uerr.TagInternal, err, "scan tool row")
		}
		if !keepSet[name] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tool WHERE id = ?`, id); err != nil {
			return uerr.Wrap(uerr.TagInternal, err, "delete tool %s", id)
		}
	}
	return nil
}

// BumpToolUsage increments a tool's usage counter.
func (s *Store) BumpToolUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "bump usage for %s", id)
	}
	return nil
}

func (s *Store) queryTools(ctx context.Context, query string, args ...any) ([]ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "query tools")
	}
	defer rows.Close()

	var out []ToolRecord
	for rows.Next() {
		rec, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanTool(row rowScanner) (*ToolRecord, error) {
	var rec ToolRecord
	var desc, outSchema, inTy, outTy, hash sql.NullString
	var inSchema string
	err := row.Scan(&rec.ID, &rec.ServiceID, &rec.ServiceName, &rec.Name, &desc,
		&inSchema, &outSchema, &inTy, &outTy, &hash, &rec.UsageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "scan tool")
	}
	rec.Description = scanString(desc)
	rec.InputSchema = []byte(inSchema)
	if outSchema.Valid {
		rec.OutputSchema = []byte(outSchema.String)
	}
	rec.InputTy = scanString(inTy)
	rec.OutputTy = scanString(outTy)
	rec.ContentHash = scanString(hash)
	return &rec, nil
}

func nullableRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
