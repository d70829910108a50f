package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/chorus/internal/domain"
)

// JobRepository persists root jobs, their results and graph snapshots.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// SaveJob inserts a root job. Saving an existing job rewrites its
// descriptive fields and leaves the result columns alone.
func (r *JobRepository) SaveJob(ctx context.Context, job domain.Job) error {
	model := toJobModel(job)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_id", "goal", "context", "output_schema"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobResult records the job's current status and result.
func (r *JobRepository) UpdateJobResult(ctx context.Context, res domain.JobResult) error {
	payload, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("encoding result for job %s: %w", res.JobID, err)
	}
	updatedAt := res.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", res.JobID).
		Updates(map[string]any{
			"status":      string(res.Status),
			"result":      JSONB(payload),
			"duration_ms": res.Duration.Milliseconds(),
			"tokens":      res.Tokens,
			"updated_at":  updatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating result for job %s: %w", res.JobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", res.JobID, domain.ErrNotFound)
	}
	return nil
}

// GetJobResult returns the last recorded result of a job.
func (r *JobRepository) GetJobResult(ctx context.Context, jobID string) (*domain.JobResult, error) {
	var model JobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", jobID).Error; err != nil {
		return nil, lookupErr(err, "job", jobID)
	}
	return toJobResultDomain(&model), nil
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, lookupErr(err, "job", id)
	}
	return toJobDomain(&model), nil
}

// ListJobs returns the newest jobs first, optionally filtered by session.
func (r *JobRepository) ListJobs(ctx context.Context, sessionID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var models []JobModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]domain.Job, len(models))
	for i := range models {
		jobs[i] = *toJobDomain(&models[i])
	}
	return jobs, nil
}

// SaveJobGraph stores the latest graph snapshot of a job.
func (r *JobRepository) SaveJobGraph(ctx context.Context, jobID string, snapshot []byte) error {
	model := JobGraphModel{
		JobID:     jobID,
		Snapshot:  JSONB(snapshot),
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving graph for job %s: %w", jobID, err)
	}
	return nil
}

// GetJobGraph returns the stored graph snapshot of a job.
func (r *JobRepository) GetJobGraph(ctx context.Context, jobID string) ([]byte, error) {
	var model JobGraphModel
	if err := r.db.WithContext(ctx).First(&model, "job_id = ?", jobID).Error; err != nil {
		return nil, lookupErr(err, "job graph", jobID)
	}
	return []byte(model.Snapshot), nil
}
