package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// UpsertService creates or refreshes a service record. Records persist
// across restarts; only DeleteService removes them.
func (s *Store) UpsertService(ctx context.Context, rec *ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transport, err := json.Marshal(rec.Transport)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "marshal transport for %s", rec.Name)
	}
	rec.ID = ServiceID(rec.Name)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service (id, name, title, version, transport, disabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			version = excluded.version,
			transport = excluded.transport,
			disabled = excluded.disabled,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.Name, nullable(rec.Title), nullable(rec.Version), string(transport), boolInt(rec.Disabled))
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "upsert service %s", rec.Name)
	}
	return nil
}

// GetService loads a service by id.
func (s *Store) GetService(ctx context.Context, id string) (*ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, title, version, transport, disabled FROM service WHERE id = ?`, id)
	return scanService(row)
}

// GetServiceByName loads a service by its human name.
func (s *Store) GetServiceByName(ctx context.Context, name string) (*ServiceRecord, error) {
	return s.GetService(ctx, ServiceID(name))
}

// ListServices returns all services ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, title, version, transport, disabled FROM service ORDER BY name`)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list services")
	}
	defer rows.Close()

	var out []ServiceRecord
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteService removes a service and, by cascade, its tools and their
// embeddings.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM service WHERE id = ?`, id); err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "delete service %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*ServiceRecord, error) {
	var rec ServiceRecord
	var title, version sql.NullString
	var transport string
	var disabled int
	err := row.Scan(&rec.ID, &rec.Name, &title, &version, &transport, &disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "scan service")
	}
	rec.Title = scanString(title)
	rec.Version = scanString(version)
	rec.Disabled = disabled != 0
	if err := json.Unmarshal([]byte(transport), &rec.Transport); err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "decode transport for %s", rec.ID)
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
