// Package store keeps detector session history in SQLite: one row per
// created session, one per delivered event, and a small settings table.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ayusman/posekit/internal/logger"
)

// Store is an open history database.
type Store struct {
	db   *sql.DB
	path string
	log  logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger migrations report to.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// New opens the database at dbPath and migrates it to SchemaVersion.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: pragmas are per connection and ":memory:" is too.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath, log: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection for tests and ad hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Path is the path New was given.
func (s *Store) Path() string { return s.path }
