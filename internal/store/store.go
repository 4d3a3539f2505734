// Package store implements the durable object store on SQLite: tenants,
// projects, issues, patterns, fix records, file and health snapshots, expert
// guides, and calibration buckets.
//
// Writes for a single issue (creation, transitions, fix records) are
// linearizable: the connection pool is pinned to one connection and compound
// updates run inside transactions. Writes across different issues may
// interleave.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInvalidTransition is returned when an issue status change violates the
// review state machine.
var ErrInvalidTransition = errors.New("invalid issue transition")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrOutcomeAlreadySet is returned when a fix record's outcome or rollback
// flag would be written a second time.
var ErrOutcomeAlreadySet = errors.New("fix outcome already set")

// Store is the SQLite-backed object store.
type Store struct {
	db    *sql.DB
	clock types.Clock

	// issueMu serializes compound read-modify-write sequences per issue id,
	// on top of the transaction guarantees of the single connection.
	issueMu sync.Map // issue id -> *sync.Mutex
}

// Open initializes the store database at the given path (":memory:" for
// tests) and runs schema migration.
func Open(path string, clock types.Clock) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if clock == nil {
		clock = types.SystemClock()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	logging.Store("object store ready at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for subsystems that extend the store schema.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) lockIssue(id string) func() {
	v, _ := s.issueMu.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// migrate creates the required tables.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		plan TEXT NOT NULL DEFAULT 'free',
		webhook_secret TEXT NOT NULL DEFAULT '',
		apply_threshold REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		repo_url TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		root_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id);

	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		line INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		detector_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		occurrences INTEGER NOT NULL DEFAULT 1,
		fix_id TEXT,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		resolved_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_issues_fingerprint ON issues(project_id, fingerprint);
	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_issues_path ON issues(project_id, path);

	CREATE TABLE IF NOT EXISTS issue_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		fix_id TEXT,
		actor TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_issue ON issue_audit(issue_id);

	CREATE TABLE IF NOT EXISTS fix_records (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		generator TEXT NOT NULL,
		patch TEXT NOT NULL DEFAULT '',
		impact TEXT NOT NULL DEFAULT '{}',
		cost_benefit REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		verifier_pass INTEGER NOT NULL DEFAULT 0,
		verifier_reasons TEXT NOT NULL DEFAULT '[]',
		explanation TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		applied INTEGER NOT NULL DEFAULT 0,
		monitor_handle TEXT NOT NULL DEFAULT '',
		rolled_back INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT 'unknown',
		outcome_set INTEGER NOT NULL DEFAULT 0,
		experts_used TEXT NOT NULL DEFAULT '[]',
		stage_times TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fixes_issue ON fix_records(issue_id);
	CREATE INDEX IF NOT EXISTS idx_fixes_project ON fix_records(project_id);

	CREATE TABLE IF NOT EXISTS patterns (
		fingerprint TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		occurrences INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		failure INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0.5,
		best_fix TEXT NOT NULL DEFAULT '',
		deprecated INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (project_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS file_snapshots (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		seen_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, path, hash)
	);

	CREATE TABLE IF NOT EXISTS health_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		score REAL NOT NULL,
		components TEXT NOT NULL DEFAULT '{}',
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_path ON health_snapshots(project_id, path, recorded_at);

	CREATE TABLE IF NOT EXISTS expert_guides (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		quality REAL NOT NULL DEFAULT 0.5,
		consultations INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_guides_kind ON expert_guides(project_id, kind);

	CREATE TABLE IF NOT EXISTS calibration (
		generator TEXT NOT NULL,
		kind TEXT NOT NULL,
		samples INTEGER NOT NULL DEFAULT 0,
		sum_confidence REAL NOT NULL DEFAULT 0,
		sum_success REAL NOT NULL DEFAULT 0,
		brier_sum REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (generator, kind)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
