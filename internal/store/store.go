// Package store implements the persistence layer on embedded SQLite.
// It owns the thirteen orchestrator tables and every query against them;
// no other package touches SQL.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Store wraps the SQLite handle. A single write connection with WAL gives
// serialized writes and concurrent reads, which is all the orchestrator
// needs.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
	url    string
}

// Open connects to the database named by dbURL. "memory" (the default)
// opens a shared in-memory database; anything else is a file path.
func Open(dbURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbURL == "" {
		dbURL = "memory"
	}

	dsn := dbURL
	if dbURL == "memory" {
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		if dir := filepath.Dir(dbURL); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, uerr.Wrap(uerr.TagInternal, err, "cannot create database directory")
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "cannot open database %s", dbURL)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, logger: logger, url: dbURL}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// URL returns the database URL the store was opened with.
func (s *Store) URL() string { return s.url }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "database unreachable")
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS service (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		title        TEXT,
		version      TEXT,
		transport    TEXT NOT NULL,
		disabled     INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tool (
		id            TEXT PRIMARY KEY,
		service_id    TEXT NOT NULL REFERENCES service(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		description   TEXT,
		input_schema  TEXT NOT NULL,
		output_schema TEXT,
		input_ty      TEXT,
		output_ty     TEXT,
		content_hash  TEXT,
		usage_count   INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(service_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS embedding (
		tool_id      TEXT PRIMARY KEY REFERENCES tool(id) ON DELETE CASCADE,
		vector       BLOB NOT NULL,
		model        TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embedding_hash ON embedding(content_hash, model)`,
	`CREATE TABLE IF NOT EXISTS tool_compatibility (
		from_tool  TEXT NOT NULL REFERENCES tool(id) ON DELETE CASCADE,
		to_tool    TEXT NOT NULL REFERENCES tool(id) ON DELETE CASCADE,
		confidence REAL NOT NULL,
		PRIMARY KEY(from_tool, to_tool)
	)`,
	`CREATE TABLE IF NOT EXISTS tool_sequence (
		id         TEXT PRIMARY KEY,
		goal       TEXT NOT NULL,
		steps      TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS registry (
		id         TEXT PRIMARY KEY,
		url        TEXT NOT NULL,
		last_sync  DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS manifest (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS symbolic_rule (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT,
		antecedents TEXT NOT NULL,
		consequents TEXT NOT NULL,
		confidence  REAL NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 0,
		is_active   INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS user (
		id                TEXT PRIMARY KEY,
		external_id       TEXT NOT NULL,
		identity_provider TEXT NOT NULL,
		email             TEXT,
		display_name      TEXT,
		active            INTEGER NOT NULL DEFAULT 1,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(external_id, identity_provider)
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id                     TEXT PRIMARY KEY REFERENCES user(id) ON DELETE CASCADE,
		default_approval_mode       TEXT NOT NULL DEFAULT 'prompt',
		trusted_services            TEXT NOT NULL DEFAULT '[]',
		blocked_services            TEXT NOT NULL DEFAULT '[]',
		elicitation_timeout_seconds INTEGER NOT NULL DEFAULT 300,
		remember_decisions          INTEGER NOT NULL DEFAULT 1,
		notify_on_approval          INTEGER NOT NULL DEFAULT 1,
		notify_on_completion        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS permission (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES user(id) ON DELETE CASCADE,
		service    TEXT NOT NULL,
		tool       TEXT,
		status     TEXT NOT NULL,
		scope      TEXT NOT NULL,
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_permission_lookup ON permission(user_id, service, tool)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT,
		action     TEXT NOT NULL,
		resource   TEXT,
		ip         TEXT,
		user_agent TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS api_key (
		prefix     TEXT PRIMARY KEY,
		key_hash   TEXT NOT NULL,
		user_id    TEXT,
		name       TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		expires_at DATETIME,
		scopes     TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used  DATETIME
	)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			short := strings.Fields(stmt)
			name := ""
			if len(short) > 5 {
				name = short[5]
			}
			return uerr.Wrap(uerr.TagInternal, err, "schema init failed at %s", name)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
