package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the durable queue store.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, path: path, logger: logger}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queues (
            name TEXT PRIMARY KEY,
            pattern TEXT NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue_entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            queue TEXT NOT NULL REFERENCES sync_queues(name),
            correlation_key TEXT NOT NULL,
            creation_time DATETIME NOT NULL,
            resource_type TEXT NOT NULL,
            resource_key TEXT NOT NULL DEFAULT '',
            data_file_key TEXT NOT NULL,
            operation TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            original_queue TEXT,
            reason TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS sync_log (
            resource_type TEXT NOT NULL,
            filter TEXT NOT NULL DEFAULT '',
            last_synced DATETIME NOT NULL,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (resource_type, filter)
        )`,
		`CREATE TABLE IF NOT EXISTS local_records (
            resource_type TEXT NOT NULL,
            resource_key TEXT NOT NULL,
            payload BLOB NOT NULL,
            modified_on DATETIME,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (resource_type, resource_key)
        )`,

		`CREATE TABLE IF NOT EXISTS payloads (
            key TEXT PRIMARY KEY,
            data BLOB NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_entries_queue_id ON sync_queue_entries(queue, id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_resource ON sync_queue_entries(queue, resource_type, resource_key)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_correlation ON sync_queue_entries(correlation_key)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
