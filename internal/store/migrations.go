package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ayusman/posekit/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SchemaVersion is the migration version New brings a database to.
const SchemaVersion = 3

// newMigrate builds a migrate instance over the store's connection. The
// instance is never closed since that would close the shared *sql.DB.
func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{log: s.log}
	return m, nil
}

// migrateUp applies every pending migration.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version reports the applied migration version and whether the last
// migration left the schema dirty. A database with no migrations reports 0.
func (s *Store) Version() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	log logger.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, v...))
}

func (l migrateLogger) Verbose() bool { return false }
