package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
)

// --- Session ---

func toSessionModel(s *domain.Session) SessionModel {
	return SessionModel{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toSessionDomain(m *SessionModel) *domain.Session {
	return &domain.Session{
		ID:        m.ID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// --- Job ---

func toJobModel(j domain.Job) JobModel {
	status := j.Status
	if status == "" {
		status = domain.JobCreated
	}
	return JobModel{
		ID:           j.ID,
		SessionID:    j.SessionID,
		Goal:         j.Goal,
		Context:      j.Context,
		OutputSchema: j.OutputSchema,
		Status:       string(status),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.CreatedAt,
	}
}

func toJobDomain(m *JobModel) *domain.Job {
	return &domain.Job{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Goal:         m.Goal,
		Context:      m.Context,
		OutputSchema: m.OutputSchema,
		Status:       domain.JobStatus(m.Status),
		CreatedAt:    m.CreatedAt,
	}
}

func toJobResultDomain(m *JobModel) *domain.JobResult {
	res := &domain.JobResult{
		JobID:     m.ID,
		Status:    domain.JobStatus(m.Status),
		Duration:  time.Duration(m.DurationMs) * time.Millisecond,
		Tokens:    m.Tokens,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Result) > 0 {
		_ = json.Unmarshal(m.Result, &res.Result)
	}
	return res
}

// --- Message ---

func toMessageModel(v domain.MessageView) MessageModel {
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return MessageModel{
		JobID:      v.JobID,
		Role:       string(v.Role),
		Content:    v.Content,
		OperatorID: v.OperatorID,
		Source:     v.Source,
		Timestamp:  ts,
	}
}

func toMessageDomain(m *MessageModel) domain.MessageView {
	return domain.MessageView{
		Role:       domain.ViewRole(m.Role),
		Content:    m.Content,
		JobID:      m.JobID,
		OperatorID: m.OperatorID,
		Source:     m.Source,
		Timestamp:  m.Timestamp,
	}
}

// --- File ---

func toFileModel(f *domain.File) FileModel {
	return FileModel{
		ID:        f.ID,
		SessionID: f.SessionID,
		Name:      f.Name,
		MimeType:  f.MimeType,
		SizeBytes: f.SizeBytes,
		Path:      f.Path,
		CreatedAt: f.CreatedAt,
	}
}

func toFileDomain(m *FileModel) *domain.File {
	return &domain.File{
		ID:        m.ID,
		SessionID: m.SessionID,
		Name:      m.Name,
		MimeType:  m.MimeType,
		SizeBytes: m.SizeBytes,
		Path:      m.Path,
		CreatedAt: m.CreatedAt,
	}
}

// --- Trigger ---

func toTriggerModel(t *domain.Trigger) TriggerModel {
	return TriggerModel{
		ID:             t.ID,
		Name:           t.Name,
		CronExpression: t.CronExpression,
		Goal:           t.Goal,
		Context:        t.Context,
		SessionID:      t.SessionID,
		Enabled:        t.Enabled,
		NextRunAt:      t.NextRunAt,
		LastRunAt:      t.LastRunAt,
		LastJobID:      t.LastJobID,
		LastError:      t.LastError,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func toTriggerDomain(m *TriggerModel) *domain.Trigger {
	return &domain.Trigger{
		ID:             m.ID,
		Name:           m.Name,
		CronExpression: m.CronExpression,
		Goal:           m.Goal,
		Context:        m.Context,
		SessionID:      m.SessionID,
		Enabled:        m.Enabled,
		NextRunAt:      m.NextRunAt,
		LastRunAt:      m.LastRunAt,
		LastJobID:      m.LastJobID,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// --- Catalog ---

func toKnowledgeBaseDomain(m *KnowledgeBaseModel) domain.KnowledgeBase {
	return domain.KnowledgeBase{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

func toGraphDBDomain(m *GraphDBModel) domain.GraphDB {
	return domain.GraphDB{
		ID:        m.ID,
		Name:      m.Name,
		Endpoint:  m.Endpoint,
		Database:  m.Database,
		CreatedAt: m.CreatedAt,
	}
}
