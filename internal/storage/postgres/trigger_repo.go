package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/chorus/internal/domain"
)

// TriggerRepository implements trigger persistence.
type TriggerRepository struct {
	db *gorm.DB
}

// NewTriggerRepository creates a TriggerRepository.
func NewTriggerRepository(db *gorm.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// CreateTrigger persists a new trigger.
func (r *TriggerRepository) CreateTrigger(ctx context.Context, t *domain.Trigger) error {
	model := toTriggerModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating trigger %s: %w", t.Name, err)
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (r *TriggerRepository) GetTrigger(ctx context.Context, id string) (*domain.Trigger, error) {
	var model TriggerModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, lookupErr(err, "trigger", id)
	}
	return toTriggerDomain(&model), nil
}

// GetTriggerByName retrieves a trigger by its unique name.
func (r *TriggerRepository) GetTriggerByName(ctx context.Context, name string) (*domain.Trigger, error) {
	var model TriggerModel
	if err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error; err != nil {
		return nil, lookupErr(err, "trigger", name)
	}
	return toTriggerDomain(&model), nil
}

// ListTriggers returns all triggers ordered by name.
func (r *TriggerRepository) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	var models []TriggerModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	triggers := make([]domain.Trigger, len(models))
	for i := range models {
		triggers[i] = *toTriggerDomain(&models[i])
	}
	return triggers, nil
}

// UpdateTrigger persists changes to an existing trigger.
func (r *TriggerRepository) UpdateTrigger(ctx context.Context, t *domain.Trigger) error {
	model := toTriggerModel(t)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating trigger %s: %w", t.Name, err)
	}
	return nil
}

// DeleteTrigger removes a trigger by ID.
func (r *TriggerRepository) DeleteTrigger(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&TriggerModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting trigger %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DueTriggers returns enabled triggers whose NextRunAt <= now, locking them
// with SELECT ... FOR UPDATE SKIP LOCKED so that several chorus instances
// sharing a database do not fire the same trigger twice. SQLite ignores the
// locking clause.
func (r *TriggerRepository) DueTriggers(ctx context.Context, now time.Time) ([]domain.Trigger, error) {
	var models []TriggerModel
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due triggers: %w", err)
	}
	triggers := make([]domain.Trigger, len(models))
	for i := range models {
		triggers[i] = *toTriggerDomain(&models[i])
	}
	return triggers, nil
}

// RecordRun updates the trigger after a goal has been submitted (or skipped).
func (r *TriggerRepository) RecordRun(ctx context.Context, id, jobID string, nextRunAt time.Time, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"last_run_at": now,
		"last_job_id": jobID,
		"last_error":  errMsg,
		"next_run_at": nextRunAt,
		"updated_at":  now,
	}
	if err := r.db.WithContext(ctx).
		Model(&TriggerModel{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("recording run for trigger %s: %w", id, err)
	}
	return nil
}
