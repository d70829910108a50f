package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/chorus/internal/domain"
)

// FileRepository persists uploaded file metadata.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a FileRepository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// SaveFile records file metadata, assigning an ID when f has none.
func (r *FileRepository) SaveFile(ctx context.Context, f *domain.File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	model := toFileModel(f)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("saving file %s: %w", f.Name, err)
	}
	return nil
}

// GetFile retrieves file metadata by ID.
func (r *FileRepository) GetFile(ctx context.Context, id string) (*domain.File, error) {
	var model FileModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, lookupErr(err, "file", id)
	}
	return toFileDomain(&model), nil
}

// ListFiles returns the files attached to a session, oldest first.
func (r *FileRepository) ListFiles(ctx context.Context, sessionID string) ([]domain.File, error) {
	var models []FileModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing files for session %s: %w", sessionID, err)
	}
	files := make([]domain.File, len(models))
	for i := range models {
		files[i] = *toFileDomain(&models[i])
	}
	return files, nil
}
