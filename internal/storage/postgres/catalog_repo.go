package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/chorus/internal/domain"
)

// CatalogRepository records knowledge bases and graph databases by name.
type CatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a CatalogRepository.
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// SaveKnowledgeBase inserts kb or updates the description of the entry
// with the same name.
func (r *CatalogRepository) SaveKnowledgeBase(ctx context.Context, kb *domain.KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now().UTC()
	}
	model := KnowledgeBaseModel{
		ID:          kb.ID,
		Name:        kb.Name,
		Description: kb.Description,
		CreatedAt:   kb.CreatedAt,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving knowledge base %s: %w", kb.Name, err)
	}
	return nil
}

// ListKnowledgeBases returns all knowledge bases ordered by name.
func (r *CatalogRepository) ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error) {
	var models []KnowledgeBaseModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing knowledge bases: %w", err)
	}
	out := make([]domain.KnowledgeBase, len(models))
	for i := range models {
		out[i] = toKnowledgeBaseDomain(&models[i])
	}
	return out, nil
}

// SaveGraphDB inserts g or updates the endpoint of the entry with the same name.
func (r *CatalogRepository) SaveGraphDB(ctx context.Context, g *domain.GraphDB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	model := GraphDBModel{
		ID:        g.ID,
		Name:      g.Name,
		Endpoint:  g.Endpoint,
		Database:  g.Database,
		CreatedAt: g.CreatedAt,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"endpoint", "database"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving graph db %s: %w", g.Name, err)
	}
	return nil
}

// ListGraphDBs returns all graph databases ordered by name.
func (r *CatalogRepository) ListGraphDBs(ctx context.Context) ([]domain.GraphDB, error) {
	var models []GraphDBModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing graph dbs: %w", err)
	}
	out := make([]domain.GraphDB, len(models))
	for i := range models {
		out[i] = toGraphDBDomain(&models[i])
	}
	return out, nil
}
