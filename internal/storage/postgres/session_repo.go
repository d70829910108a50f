package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/chorus/internal/domain"
)

// SessionRepository implements session persistence.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SaveSession inserts s or updates its name.
func (r *SessionRepository) SaveSession(ctx context.Context, s *domain.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	model := toSessionModel(s)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, lookupErr(err, "session", id)
	}
	return toSessionDomain(&model), nil
}

// EnsureSession returns the session with the given ID, creating it if absent.
func (r *SessionRepository) EnsureSession(ctx context.Context, id string) (*domain.Session, error) {
	now := time.Now().UTC()
	model := SessionModel{ID: id, Name: id, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return nil, fmt.Errorf("ensuring session %s: %w", id, err)
	}
	return r.GetSession(ctx, id)
}

// ListSessions returns the most recently updated sessions first.
func (r *SessionRepository) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sessions := make([]domain.Session, len(models))
	for i := range models {
		sessions[i] = *toSessionDomain(&models[i])
	}
	return sessions, nil
}
