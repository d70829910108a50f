// Package storage defines the Store interface that abstracts persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/orchestrator"
	"github.com/jkaninda/chorus/internal/trigger"
)

// Store is the unified persistence interface for Chorus.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	orchestrator.Store
	trigger.Store

	// Sessions.
	SaveSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	EnsureSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)

	// Jobs beyond what the engine needs.
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, sessionID string, limit int) ([]domain.Job, error)

	// File metadata.
	SaveFile(ctx context.Context, f *domain.File) error
	GetFile(ctx context.Context, id string) (*domain.File, error)
	ListFiles(ctx context.Context, sessionID string) ([]domain.File, error)

	// Catalog of knowledge bases and graph databases (metadata only).
	SaveKnowledgeBase(ctx context.Context, kb *domain.KnowledgeBase) error
	ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error)
	SaveGraphDB(ctx context.Context, g *domain.GraphDB) error
	ListGraphDBs(ctx context.Context) ([]domain.GraphDB, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
