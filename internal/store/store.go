// Package store is the orchestrator's relational persistence layer: a
// thin wrapper over database/sql backed by SQLite, grounded on the
// teacher's internal/memory.Store migration pattern (an ordered list of
// CREATE/ALTER statements applied in sequence, tolerating re-run ALTER
// TABLE ADD COLUMN errors so the same binary can migrate an
// already-migrated database).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the orchestrator's SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (or reuses) the SQLite database at dataPath/orchestrator.db
// and applies all migrations.
func Open(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataPath, "orchestrator.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the on-disk database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for components (e.g. taskmerge) that
// need to run their own transactions against the same database file.
func (s *Store) DB() *sql.DB { return s.db }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		container_id TEXT,
		container_port INTEGER,
		runtime_type TEXT NOT NULL,
		template_slug TEXT,
		owner_project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		devchain_project_id TEXT,
		merge_commit TEXT,
		merge_conflicts TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_worktrees_owner_name ON worktrees(owner_project_id, name)`,
	`CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status)`,
	`CREATE INDEX IF NOT EXISTS idx_worktrees_container_id ON worktrees(container_id)`,

	`CREATE TABLE IF NOT EXISTS merged_epics (
		id TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL,
		source_epic_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status_label TEXT NOT NULL,
		status_color TEXT NOT NULL,
		agent_display_name TEXT,
		parent_epic_id TEXT,
		tags TEXT,
		merged_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_merged_epics_wt_source ON merged_epics(worktree_id, source_epic_id)`,

	`CREATE TABLE IF NOT EXISTS merged_agents (
		id TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL,
		source_agent_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		epics_completed INTEGER NOT NULL DEFAULT 0,
		merged_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_merged_agents_wt_source ON merged_agents(worktree_id, source_agent_id)`,

	`CREATE TABLE IF NOT EXISTS main_epics (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status_id TEXT,
		agent_id TEXT,
		parent_id TEXT,
		tags TEXT,
		data TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_main_epics_project ON main_epics(project_id)`,

	`CREATE TABLE IF NOT EXISTS main_statuses (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		label TEXT NOT NULL,
		color TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_main_statuses_project_label ON main_statuses(project_id, label)`,

	`CREATE TABLE IF NOT EXISTS main_agents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_main_agents_project_name ON main_agents(project_id, name)`,

	`CREATE TABLE IF NOT EXISTS main_projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_path TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		tmux_session_id TEXT NOT NULL,
		epic_id TEXT,
		status TEXT NOT NULL,
		activity_state TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_agent_running ON sessions(agent_id) WHERE status = 'running'`,

	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		bin_path TEXT,
		mcp_configured INTEGER NOT NULL DEFAULT 0,
		mcp_endpoint TEXT,
		mcp_registered_at DATETIME,
		auto_compact_threshold INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL UNIQUE,
		initial_prompt TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		options TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_project ON profiles(project_id)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		profile_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id)`,

	`CREATE TABLE IF NOT EXISTS event_log (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		request_id TEXT,
		published_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_name ON event_log(name)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_published_at ON event_log(published_at)`,

	`CREATE TABLE IF NOT EXISTS handler_records (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		handler TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_handler_records_event ON handler_records(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_handler_records_handler ON handler_records(handler)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}
