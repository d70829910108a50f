package postgres

import "gorm.io/gorm"

// Repositories bundles every repository over one connection. Both the
// PostgreSQL and SQLite stores embed it, so the query code is shared and
// GORM's dialect handles the SQL differences.
type Repositories struct {
	*SessionRepository
	*JobRepository
	*MessageRepository
	*FileRepository
	*TriggerRepository
	*CatalogRepository
}

// NewRepositories creates all repositories over db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		SessionRepository: NewSessionRepository(db),
		JobRepository:     NewJobRepository(db),
		MessageRepository: NewMessageRepository(db),
		FileRepository:    NewFileRepository(db),
		TriggerRepository: NewTriggerRepository(db),
		CatalogRepository: NewCatalogRepository(db),
	}
}
