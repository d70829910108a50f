package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/reasoner"
	"github.com/jkaninda/chorus/internal/toolkit"
)

const (
	DefaultThreshold = 0.5
	DefaultHops      = 1
)

// Runner is one node of a workflow.
type Runner interface {
	ID() string
	Execute(ctx context.Context, r reasoner.Reasoner, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error)
}

// KnowledgeService answers free-text queries from an external knowledge base.
type KnowledgeService interface {
	Query(ctx context.Context, query string) (string, error)
}

// Insight is one observation about the runtime environment.
type Insight struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// EnvironmentService reports environment insights.
type EnvironmentService interface {
	Insights(ctx context.Context) ([]Insight, error)
}

// OperatorConfig describes an LLM-backed operator.
type OperatorConfig struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Instruction     string   `json:"instruction" yaml:"instruction"`
	Actions         []string `json:"actions" yaml:"actions"` // seed actions in the toolkit
	Threshold       float64  `json:"threshold" yaml:"threshold"`
	Hops            int      `json:"hops" yaml:"hops"`
	StrictRecommend bool     `json:"strict_recommend" yaml:"strict_recommend"`
	OutputSchema    string   `json:"output_schema" yaml:"output_schema"`
}

// Operator packages a task for one reasoner invocation.
type Operator struct {
	cfg         OperatorConfig
	toolkit     *toolkit.Graph
	knowledge   KnowledgeService
	environment EnvironmentService
	logger      *slog.Logger
}

// OperatorOption configures an Operator.
type OperatorOption func(*Operator)

// WithKnowledge attaches a knowledge service.
func WithKnowledge(k KnowledgeService) OperatorOption { return func(o *Operator) { o.knowledge = k } }

// WithEnvironment attaches an environment service.
func WithEnvironment(e EnvironmentService) OperatorOption {
	return func(o *Operator) { o.environment = e }
}

// WithOperatorLogger sets the logger.
func WithOperatorLogger(l *slog.Logger) OperatorOption { return func(o *Operator) { o.logger = l } }

// NewOperator creates an operator. tk may be nil for operators without tools.
func NewOperator(cfg OperatorConfig, tk *toolkit.Graph, opts ...OperatorOption) *Operator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Hops <= 0 {
		cfg.Hops = DefaultHops
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	o := &Operator{cfg: cfg, toolkit: tk}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o *Operator) ID() string { return o.cfg.ID }

// Config returns the operator configuration.
func (o *Operator) Config() OperatorConfig { return o.cfg }

// Execute runs one reasoner episode and wraps its text as the scratchpad.
func (o *Operator) Execute(ctx context.Context, r reasoner.Reasoner, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
	task := o.BuildTask(ctx, job, msgs)
	out, err := r.Infer(ctx, task)
	if err != nil {
		return domain.WorkflowMessage{}, fmt.Errorf("operator %s: %w", o.cfg.ID, err)
	}
	return domain.WorkflowMessage{Scratchpad: out}, nil
}

// BuildTask assembles the reasoner task: recommended tools and action
// relations from the toolkit, plus optional knowledge and insights.
func (o *Operator) BuildTask(ctx context.Context, job domain.SubJob, msgs []domain.WorkflowMessage) *reasoner.Task {
	task := &reasoner.Task{
		Job:              job,
		OperatorID:       o.cfg.ID,
		Instruction:      o.cfg.Instruction,
		WorkflowMessages: msgs,
		Tokens:           TokenCounter(ctx),
	}
	if job.OutputSchema == "" && o.cfg.OutputSchema != "" {
		task.Job.OutputSchema = o.cfg.OutputSchema
	}
	if task.Job.OutputSchema != "" {
		task.OutputFormat = "Respond with JSON matching this schema:\n" + task.Job.OutputSchema
	}

	if o.toolkit != nil && len(o.cfg.Actions) > 0 {
		actions := o.toolkit.RecommendedActions(o.cfg.Actions, o.cfg.Threshold, o.cfg.Hops, o.cfg.StrictRecommend)
		task.Tools = toolkit.FlattenTools(actions)
		task.ActionRelations = toolkit.Relations(actions)
	}

	if o.knowledge != nil {
		k, err := o.knowledge.Query(ctx, job.Goal)
		if err != nil {
			o.logger.WarnContext(ctx, "knowledge lookup failed",
				slog.String("operator", o.cfg.ID),
				slog.String("error", err.Error()),
			)
		} else {
			task.Knowledge = k
		}
	}
	if o.environment != nil {
		insights, err := o.environment.Insights(ctx)
		if err != nil {
			o.logger.WarnContext(ctx, "environment insights failed",
				slog.String("operator", o.cfg.ID),
				slog.String("error", err.Error()),
			)
		}
		for _, in := range insights {
			task.Insights = append(task.Insights, in.Source+": "+in.Text)
		}
	}
	return task
}

// FuncOperator runs a Go function instead of a reasoner.
type FuncOperator struct {
	OpID string
	Fn   func(ctx context.Context, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error)
}

func (f *FuncOperator) ID() string { return f.OpID }

func (f *FuncOperator) Execute(ctx context.Context, _ reasoner.Reasoner, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
	return f.Fn(ctx, job, msgs)
}

type tokenKey struct{}

// WithTokenCounter makes operators accumulate model tokens into c.
func WithTokenCounter(ctx context.Context, c *atomic.Int64) context.Context {
	return context.WithValue(ctx, tokenKey{}, c)
}

// TokenCounter returns the counter installed by WithTokenCounter, or nil.
func TokenCounter(ctx context.Context) *atomic.Int64 {
	c, _ := ctx.Value(tokenKey{}).(*atomic.Int64)
	return c
}

var (
	_ Runner = (*Operator)(nil)
	_ Runner = (*FuncOperator)(nil)
)
