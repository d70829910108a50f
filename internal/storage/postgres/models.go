package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID        string `gorm:"primaryKey;size:128"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// JobModel maps to the "jobs" table. Root jobs only; subjobs live in the
// job graph snapshot. The result columns are rewritten on every status change.
type JobModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	SessionID    string `gorm:"size:128;not null;index"`
	Goal         string `gorm:"type:text;not null"`
	Context      string `gorm:"type:text"`
	OutputSchema string `gorm:"type:text"`
	Status       string `gorm:"not null;default:'CREATED';index"`
	Result       JSONB  `gorm:"type:jsonb"`
	DurationMs   int64  `gorm:"not null;default:0"`
	Tokens       int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (JobModel) TableName() string { return "jobs" }

// JobGraphModel maps to the "job_graphs" table.
type JobGraphModel struct {
	JobID     string `gorm:"primaryKey;size:64"`
	Snapshot  JSONB  `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (JobGraphModel) TableName() string { return "job_graphs" }

// MessageModel maps to the "messages" table. Append-only.
type MessageModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"size:64;not null;index:idx_messages_job"`
	Role       string `gorm:"not null"`
	Content    string `gorm:"type:text;not null"`
	OperatorID string
	Source     string
	Timestamp  time.Time `gorm:"index:idx_messages_job"`
}

func (MessageModel) TableName() string { return "messages" }

// FileModel maps to the "files" table.
type FileModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:128;not null;index"`
	Name      string `gorm:"not null"`
	MimeType  string
	SizeBytes int64
	Path      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (FileModel) TableName() string { return "files" }

// TriggerModel maps to the "triggers" table.
type TriggerModel struct {
	ID             string     `gorm:"primaryKey;size:64"`
	Name           string     `gorm:"not null;uniqueIndex"`
	CronExpression string     `gorm:"not null"`
	Goal           string     `gorm:"type:text;not null"`
	Context        string     `gorm:"type:text"`
	SessionID      string     `gorm:"size:128"`
	Enabled        bool       `gorm:"not null;default:true"`
	NextRunAt      *time.Time `gorm:"index"`
	LastRunAt      *time.Time
	LastJobID      string `gorm:"size:64"`
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (TriggerModel) TableName() string { return "triggers" }

// KnowledgeBaseModel maps to the "knowledge_bases" table.
type KnowledgeBaseModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"not null;uniqueIndex"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (KnowledgeBaseModel) TableName() string { return "knowledge_bases" }

// GraphDBModel maps to the "graph_dbs" table.
type GraphDBModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"not null;uniqueIndex"`
	Endpoint  string `gorm:"not null"`
	Database  string
	CreatedAt time.Time
}

func (GraphDBModel) TableName() string { return "graph_dbs" }

// Models lists every table in creation order. The SQLite backend migrates
// the same set.
func Models() []any {
	return []any{
		&SessionModel{},
		&JobModel{},
		&JobGraphModel{},
		&MessageModel{},
		&FileModel{},
		&TriggerModel{},
		&KnowledgeBaseModel{},
		&GraphDBModel{},
	}
}
