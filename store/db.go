// Package store is the adapter over the shared SQLite database: every
// queue-row state machine, claim/heartbeat/finish operation, and conditional
// SQL update the worker issues lives here. It pairs GORM (for the two simple
// relational entities, library_roots and scan_sessions) with raw
// database/sql + squirrel (for the hot-path lease tables), the same split the
// reference backend itself uses across its database/ package.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// psql is the squirrel statement builder configured for SQLite's "?"
// placeholder style, mirroring the reference backend's database package.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store owns the one database handle a worker process holds for its
// lifetime: a raw *sql.DB for the lease tables and a *gorm.DB (sharing the
// same underlying connection) for library_roots/scan_sessions.
type Store struct {
	db   *sql.DB
	gorm *gorm.DB
}

var ddlStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		worker_id TEXT,
		worker_heartbeat_at INTEGER,
		lease_expires_at INTEGER,
		progress REAL NOT NULL DEFAULT 0,
		processed_items INTEGER NOT NULL DEFAULT 0,
		error_code TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_after INTEGER,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS library_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL,
		relative_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mtime_ns INTEGER NOT NULL,
		inode INTEGER,
		device INTEGER,
		is_missing INTEGER NOT NULL DEFAULT 0,
		needs_hash INTEGER NOT NULL DEFAULT 1,
		last_seen_scan_id INTEGER,
		hash_algorithm TEXT,
		content_hash TEXT,
		hashed_size_bytes INTEGER,
		hashed_mtime_ns INTEGER,
		hashed_at INTEGER,
		hash_claim_token TEXT,
		hash_claimed_at INTEGER,
		hash_error_count INTEGER NOT NULL DEFAULT 0,
		hash_last_error TEXT,
		hash_last_error_at INTEGER,
		hash_retry_after INTEGER,
		UNIQUE(library_id, relative_path)
	)`,
	`CREATE TABLE IF NOT EXISTS thumbnails (
		id TEXT PRIMARY KEY,
		thumb_key TEXT NOT NULL,
		group_key TEXT NOT NULL,
		file_id INTEGER NOT NULL,
		media_type TEXT NOT NULL,
		output_format TEXT NOT NULL,
		max_dimension INTEGER NOT NULL,
		source_size INTEGER NOT NULL,
		source_mtime_ns INTEGER NOT NULL,
		output_relpath TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_after INTEGER,
		error_count INTEGER NOT NULL DEFAULT 0,
		error_code TEXT,
		error_message TEXT,
		worker_id TEXT,
		worker_heartbeat_at INTEGER,
		lease_expires_at INTEGER,
		width INTEGER,
		height INTEGER,
		output_bytes INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thumbnail_cleanup_jobs (
		id TEXT PRIMARY KEY,
		group_key TEXT NOT NULL,
		execute_after INTEGER NOT NULL,
		status TEXT NOT NULL,
		worker_id TEXT,
		worker_heartbeat_at INTEGER,
		lease_expires_at INTEGER,
		error_code TEXT,
		error_message TEXT,
		finished_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wal_maintenance_jobs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		execute_after INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_after INTEGER,
		status TEXT NOT NULL,
		worker_id TEXT,
		worker_heartbeat_at INTEGER,
		lease_expires_at INTEGER,
		busy INTEGER,
		log_frames INTEGER,
		checkpointed_frames INTEGER,
		error_message TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS io_rate_limits (
		bucket_key TEXT PRIMARY KEY,
		next_available_at_ms INTEGER NOT NULL
	)`,
}

// Open connects to the SQLite file at dataSourceName, applies the pragmas
// SPEC_FULL.md §6 requires, creates the hot-path lease tables, and
// auto-migrates the GORM-backed entities.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database %s: %w", dataSourceName, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to apply %q: %w", p, err)
		}
	}

	for _, stmt := range ddlStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to run schema statement: %w", err)
		}
	}

	gormLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormDB, err := gorm.Open(sqlite.Dialector{Conn: db}, &gorm.Config{Logger: gormLogger})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to attach gorm to database: %w", err)
	}
	if err := gormDB.AutoMigrate(&LibraryRoot{}, &ScanSession{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: gorm auto-migrate failed: %w", err)
	}

	log.Printf("store: database ready at %s", dataSourceName)
	return &Store{db: db, gorm: gormDB}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers (tests, maintenance
// engines) that need to issue ad hoc reads outside the Store's own methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowUnix() int64 { return time.Now().Unix() }

func nowUnixMilli() int64 { return time.Now().UnixMilli() }

func nowAsTime() time.Time { return time.Now() }
