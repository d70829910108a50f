// Package domain defines the entity types shared by the scheduler, the
// workflow engine, the reasoners and the storage layer.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups of unknown jobs, sessions and files.
var ErrNotFound = errors.New("not found")

// JobStatus is the lifecycle state of a job or subjob.
type JobStatus string

const (
	JobCreated  JobStatus = "CREATED"
	JobRunning  JobStatus = "RUNNING"
	JobFinished JobStatus = "FINISHED"
	JobFailed   JobStatus = "FAILED"
	JobStopped  JobStatus = "STOPPED"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobStopped
}

// Verdict is the evaluator's classification of an expert's output.
type Verdict string

const (
	VerdictSuccess        Verdict = "SUCCESS"
	VerdictInputDataError Verdict = "INPUT_DATA_ERROR"
	VerdictExecutionError Verdict = "EXECUTION_ERROR"
	VerdictTooComplicated Verdict = "JOB_TOO_COMPLICATED_ERROR"
)

// Job is a unit of work. It is immutable once submitted except for Status.
type Job struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Goal           string    `json:"goal"`
	Context        string    `json:"context,omitempty"`
	OutputSchema   string    `json:"output_schema,omitempty"`
	AssignedExpert string    `json:"assigned_expert,omitempty"` // Expert name, empty until assigned.
	Status         JobStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewJob creates a job in the CREATED state with a fresh id.
func NewJob(sessionID, goal, context string) Job {
	return Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Goal:      goal,
		Context:   context,
		Status:    JobCreated,
		CreatedAt: time.Now().UTC(),
	}
}

// SubJob is a Job produced by decomposition. It carries the bookkeeping the
// scheduler needs for retries and rewrites.
type SubJob struct {
	Job
	OriginalJobID      string `json:"original_job_id"`
	Life               int    `json:"life"`        // Remaining re-decomposition budget.
	RetryCount         int    `json:"retry_count"` // Dispatches that ended in a retryable verdict.
	CompletionCriteria string `json:"completion_criteria,omitempty"`
	Lesson             string `json:"lesson,omitempty"` // Feedback from a downstream INPUT_DATA_ERROR.

	// ContextMessages holds upstream outputs keyed by predecessor id.
	ContextMessages map[string]WorkflowMessage `json:"context_messages,omitempty"`
}

// DefaultLife is the re-decomposition budget of a freshly decomposed subjob.
const DefaultLife = 5

// NewSubJob wraps job as a subjob rooted at originalID.
func NewSubJob(job Job, originalID string, life int) *SubJob {
	return &SubJob{Job: job, OriginalJobID: originalID, Life: life}
}

// Clone returns a deep copy.
func (s *SubJob) Clone() *SubJob {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ContextMessages != nil {
		cp.ContextMessages = make(map[string]WorkflowMessage, len(s.ContextMessages))
		for k, v := range s.ContextMessages {
			cp.ContextMessages[k] = v
		}
	}
	return &cp
}

// WorkflowMessage is the payload exchanged between operators and between subjobs.
type WorkflowMessage struct {
	Scratchpad string  `json:"scratchpad"`
	Status     Verdict `json:"status,omitempty"`
	Evaluation string  `json:"evaluation,omitempty"`
	Lesson     string  `json:"lesson,omitempty"`
	Experience string  `json:"experience,omitempty"`
}

// JobResult is the outcome recorded for a job or subjob.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Status    JobStatus       `json:"status"`
	Result    WorkflowMessage `json:"result"`
	Duration  time.Duration   `json:"duration"`
	Tokens    int             `json:"tokens"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SourceType identifies who produced a ModelMessage.
type SourceType string

const (
	SourceThinker SourceType = "THINKER"
	SourceActor   SourceType = "ACTOR"
	SourceModel   SourceType = "MODEL"
	SourceUser    SourceType = "USER"
	SourceSystem  SourceType = "SYSTEM"
)

// FunctionCallStatus is the outcome of a single tool dispatch.
type FunctionCallStatus string

const (
	CallSucceeded FunctionCallStatus = "succeeded"
	CallFailed    FunctionCallStatus = "failed"
)

// FunctionCallResult records one tool invocation requested by the Actor.
type FunctionCallResult struct {
	FuncName      string             `json:"func_name"`
	FuncArgs      map[string]any     `json:"func_args,omitempty"`
	CallObjective string             `json:"call_objective,omitempty"`
	Output        string             `json:"output"`
	Status        FunctionCallStatus `json:"status"`
}

// Succeeded reports whether the call produced output without error.
func (r FunctionCallResult) Succeeded() bool { return r.Status == CallSucceeded }

// ModelMessage is one entry in a reasoner's memory.
type ModelMessage struct {
	ID            string               `json:"id"`
	Source        SourceType           `json:"source_type"`
	Content       string               `json:"content"`
	Timestamp     time.Time            `json:"timestamp"`
	FunctionCalls []FunctionCallResult `json:"function_calls,omitempty"`
	ToolLog       string               `json:"tool_log,omitempty"`
}

// NewModelMessage stamps content with a fresh id and the current time.
func NewModelMessage(source SourceType, content string) ModelMessage {
	return ModelMessage{
		ID:        uuid.NewString(),
		Source:    source,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// ViewRole classifies entries of a conversation view.
type ViewRole string

const (
	ViewUser      ViewRole = "user"
	ViewAssistant ViewRole = "assistant"
	ViewThinking  ViewRole = "thinking"
)

// MessageView is one entry of the user-facing conversation for a job.
type MessageView struct {
	Role       ViewRole  `json:"role"`
	Content    string    `json:"content"`
	JobID      string    `json:"job_id"`
	OperatorID string    `json:"operator_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatMessage is what a user submits to start an original job.
type ChatMessage struct {
	SessionID    string `json:"session_id"`
	Content      string `json:"content"`
	Context      string `json:"context,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
}

// Session groups the jobs and messages of one conversation.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// File is metadata for an uploaded file attached to a session.
type File struct {
	ID        string
	SessionID string
	Name      string
	MimeType  string
	SizeBytes int64
	Path      string
	CreatedAt time.Time
}

// KnowledgeBase is a registered retrieval source. Only metadata is stored.
type KnowledgeBase struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// GraphDB is a registered graph database holding a persisted toolkit.
type GraphDB struct {
	ID        string
	Name      string
	Endpoint  string
	Database  string
	CreatedAt time.Time
}

// Trigger submits a goal on a cron schedule.
type Trigger struct {
	ID             string
	Name           string
	CronExpression string // Standard 5-field cron (minute hour dom month dow).
	Goal           string
	Context        string
	SessionID      string
	Enabled        bool
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastJobID      string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
