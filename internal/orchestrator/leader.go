package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/prompts"
	"github.com/jkaninda/chorus/internal/reasoner"
	"github.com/jkaninda/chorus/internal/workflow"
)

// Leader decomposes jobs and runs the resulting job graphs.
type Leader struct {
	registry     ExpertRegistry
	decomposer   *workflow.Workflow
	reasoner     reasoner.Reasoner
	config       Config
	logger       *slog.Logger
	metrics      *Metrics
	events       *EventHub
	conversation *ConversationLog
}

// LeaderOption configures a Leader.
type LeaderOption func(*Leader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LeaderOption { return func(ld *Leader) { ld.logger = l } }

// WithMetrics attaches scheduler metrics.
func WithMetrics(m *Metrics) LeaderOption { return func(ld *Leader) { ld.metrics = m } }

// WithEvents attaches an event hub.
func WithEvents(h *EventHub) LeaderOption { return func(ld *Leader) { ld.events = h } }

// WithConversation attaches the conversation log that reasoner messages are bound to.
func WithConversation(c *ConversationLog) LeaderOption {
	return func(ld *Leader) { ld.conversation = c }
}

// NewLeader creates a leader. decomposer is the leader's own workflow and r
// the reasoner that drives it.
func NewLeader(registry ExpertRegistry, decomposer *workflow.Workflow, r reasoner.Reasoner, config Config, opts ...LeaderOption) *Leader {
	l := &Leader{
		registry:   registry,
		decomposer: decomposer,
		reasoner:   r,
		config:     config,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Config returns the scheduler bounds.
func (l *Leader) Config() Config { return l.config }

// NewDecomposer builds the default decomposition workflow: one operator
// instructed with the registry's experts.
func NewDecomposer(registry ExpertRegistry, logger *slog.Logger) (*workflow.Workflow, error) {
	var experts []prompts.ExpertInfo
	for _, e := range registry.List() {
		experts = append(experts, prompts.ExpertInfo{Name: e.Name, Description: e.Description})
	}
	instruction, err := prompts.Render(prompts.Decomposer, prompts.Data{Experts: experts})
	if err != nil {
		return nil, fmt.Errorf("rendering decomposer prompt: %w", err)
	}

	w := workflow.New("leader", workflow.WithLogger(logger))
	op := workflow.NewOperator(workflow.OperatorConfig{
		ID:          "decomposer",
		Instruction: instruction,
	}, nil, workflow.WithOperatorLogger(logger))
	if err := w.AddOperator(op); err != nil {
		return nil, err
	}
	return w, nil
}

// Decompose runs the decomposition workflow on parent and builds a job graph
// of its subtasks. Each subjob receives the given life.
func (l *Leader) Decompose(ctx context.Context, parent *domain.SubJob, life int) (*JobGraph, error) {
	out, err := l.decomposer.Execute(ctx, *parent, l.reasoner)
	if err != nil {
		return nil, fmt.Errorf("decomposing %s: %w", parent.ID, err)
	}
	subtasks, err := ParseSubtasks(out.Scratchpad)
	if err != nil {
		return nil, fmt.Errorf("decomposing %s: %w", parent.ID, err)
	}
	if len(subtasks) == 0 {
		return nil, ErrEmptyDecomposition
	}
	if err := ValidateSubtasks(subtasks); err != nil {
		return nil, fmt.Errorf("invalid decomposition: %w", err)
	}

	g, err := l.BuildGraph(parent, subtasks, life)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "job decomposed",
		slog.String("job_id", parent.ID),
		slog.String("root_id", g.RootID()),
		slog.Int("subjobs", g.Len()),
		slog.Int("life", life),
	)
	return g, nil
}

// BuildGraph turns validated subtasks into a job graph. Declared ids are
// replaced by fresh job ids so sub-DAGs never collide when spliced.
func (l *Leader) BuildGraph(parent *domain.SubJob, subtasks []Subtask, life int) (*JobGraph, error) {
	rootID := parent.OriginalJobID
	if rootID == "" {
		rootID = parent.ID
	}
	g := NewJobGraph(rootID)
	ids := make(map[string]string, len(subtasks))

	for _, st := range subtasks {
		expert, err := l.resolveExpert(st.AssignedExpert)
		if err != nil {
			return nil, fmt.Errorf("subtask %s: %w", st.ID, err)
		}
		job := domain.NewJob(parent.SessionID, st.Goal, st.Context)
		job.AssignedExpert = expert.Name
		sj := domain.NewSubJob(job, rootID, max(life, 0))
		sj.CompletionCriteria = st.CompletionCriteria
		if err := g.AddNode(sj, expert.Name); err != nil {
			return nil, err
		}
		ids[string(st.ID)] = job.ID
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if err := g.AddEdge(ids[dep], ids[string(st.ID)]); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// resolveExpert looks name up. An empty name is accepted only when exactly
// one expert is registered.
func (l *Leader) resolveExpert(name string) (*Expert, error) {
	if name == "" {
		if experts := l.registry.List(); len(experts) == 1 {
			return experts[0], nil
		}
		return nil, fmt.Errorf("%w: no expert assigned", ErrUnknownExpert)
	}
	return l.registry.GetByName(name)
}
