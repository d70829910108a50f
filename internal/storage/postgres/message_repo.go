package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/chorus/internal/domain"
)

// MessageRepository persists the user-facing conversation of each job.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// SaveMessage appends a conversation entry.
func (r *MessageRepository) SaveMessage(ctx context.Context, msg domain.MessageView) error {
	model := toMessageModel(msg)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving message for job %s: %w", msg.JobID, err)
	}
	return nil
}

// ListMessages returns a job's conversation in insertion order.
func (r *MessageRepository) ListMessages(ctx context.Context, jobID string) ([]domain.MessageView, error) {
	var models []MessageModel
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing messages for job %s: %w", jobID, err)
	}
	views := make([]domain.MessageView, len(models))
	for i := range models {
		views[i] = toMessageDomain(&models[i])
	}
	return views, nil
}
