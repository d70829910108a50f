package postgres

import (
	"context"

	"github.com/jkaninda/chorus/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

// NewStore wraps an open DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		Repositories: NewRepositories(pgDB.GormDB()),
		pgDB:         pgDB,
	}
}

// Migrate re-runs AutoMigrate. Open already migrates, so this is only
// needed after a schema change in a long-running process.
func (s *Store) Migrate(_ context.Context) error {
	return autoMigrate(s.pgDB.GormDB())
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pgDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
