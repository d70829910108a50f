// Package reasoner implements the bounded Thinker/Actor dialog that produces
// an operator's output.
//
// A reasoner episode runs over a per-task memory keyed by (session, job,
// operator). The Actor may request tool calls with <function_call> directives;
// their results are attached to the Actor message and shown to both roles in
// the following round. An episode ends when the Actor writes TASK_DONE or the
// round cap is reached.
package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/prompts"
	"github.com/jkaninda/chorus/internal/toolkit"
)

// ErrModel wraps every language model failure. It is fatal to the operator.
var ErrModel = errors.New("model invocation failed")

const (
	// DoneToken ends an episode when it appears in an Actor message.
	DoneToken = "TASK_DONE"

	// SeedContent is the Actor message every fresh memory starts with.
	SeedContent = "Scratchpad: empty scratchpad\nAction: empty action\nFeedback: no feedback"

	DefaultRounds = 5
)

var tracer = otel.Tracer("github.com/jkaninda/chorus/internal/reasoner")

// Reasoner produces text for a task.
type Reasoner interface {
	Infer(ctx context.Context, task *Task) (string, error)
	MemoryFor(task *Task) []domain.ModelMessage
}

// Task is everything an operator hands to a reasoner.
type Task struct {
	Job          domain.SubJob
	OperatorID   string
	Instruction  string
	OutputFormat string

	WorkflowMessages []domain.WorkflowMessage
	Tools            []toolkit.Tool
	ActionRelations  string
	Knowledge        string
	Insights         []string

	// Tokens, when set, accumulates the tokens spent on this task.
	Tokens *atomic.Int64
}

// Key returns the memory key of the task.
func (t *Task) Key() MemoryKey {
	return MemoryKey{SessionID: t.Job.SessionID, JobID: t.Job.ID, OperatorID: t.OperatorID}
}

func (t *Task) promptData() prompts.Data {
	data := prompts.Data{
		Goal:               t.Job.Goal,
		Context:            t.Job.Context,
		Instruction:        t.Instruction,
		CompletionCriteria: t.Job.CompletionCriteria,
		Lesson:             t.Job.Lesson,
		OutputFormat:       t.OutputFormat,
		ActionRelations:    strings.TrimSpace(t.ActionRelations),
		Knowledge:          t.Knowledge,
		Insights:           t.Insights,
	}

	ids := make([]string, 0, len(t.Job.ContextMessages))
	for id := range t.Job.ContextMessages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		data.Upstream = append(data.Upstream, prompts.Upstream{ID: "job " + id, Scratchpad: t.Job.ContextMessages[id].Scratchpad})
	}
	for i, m := range t.WorkflowMessages {
		data.Upstream = append(data.Upstream, prompts.Upstream{ID: fmt.Sprintf("step %d", i+1), Scratchpad: m.Scratchpad})
	}

	for _, tool := range t.Tools {
		info := prompts.ToolInfo{Name: tool.Name, Description: tool.Description}
		if tool.Schema != nil {
			if b, err := json.Marshal(tool.Schema); err == nil {
				info.Schema = string(b)
			}
		}
		data.Tools = append(data.Tools, info)
	}
	return data
}

// MessageSink observes every message appended to a reasoner memory.
type MessageSink interface {
	Record(ctx context.Context, key MemoryKey, msg domain.ModelMessage)
}

// Option configures a reasoner.
type Option func(*base)

// WithMemory shares a memory store between reasoners.
func WithMemory(m *MemoryStore) Option { return func(b *base) { b.memory = m } }

// WithSink registers a message observer.
func WithSink(s MessageSink) Option { return func(b *base) { b.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *base) { b.logger = l } }

// WithPrintMessages logs every message at INFO.
func WithPrintMessages(on bool) Option { return func(b *base) { b.print = on } }

// WithMetrics records episode metrics.
func WithMetrics(m *Metrics) Option { return func(b *base) { b.metrics = m } }

// WithMaxTokens caps each model completion.
func WithMaxTokens(n int) Option { return func(b *base) { b.maxTokens = n } }

// WithRounds sets the round cap of the dual reasoner. Values below 1 are ignored.
func WithRounds(n int) Option {
	return func(b *base) {
		if n >= 1 {
			b.rounds = n
		}
	}
}

// base holds what both reasoner variants share.
type base struct {
	memory    *MemoryStore
	sink      MessageSink
	logger    *slog.Logger
	metrics   *Metrics
	print     bool
	maxTokens int
	rounds    int
}

func newBase(opts []Option) base {
	b := base{rounds: DefaultRounds}
	for _, opt := range opts {
		opt(&b)
	}
	if b.memory == nil {
		b.memory = NewMemoryStore()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b
}

// MemoryFor returns a copy of the task's memory.
func (b *base) MemoryFor(task *Task) []domain.ModelMessage {
	return b.memory.Messages(task.Key())
}

// Memory exposes the underlying store.
func (b *base) Memory() *MemoryStore { return b.memory }

func (b *base) append(ctx context.Context, key MemoryKey, msg domain.ModelMessage) {
	b.memory.Append(key, msg)
	if b.sink != nil {
		b.sink.Record(ctx, key, msg)
	}
	if b.print {
		b.logger.InfoContext(ctx, "reasoner message",
			slog.String("job_id", key.JobID),
			slog.String("operator", key.OperatorID),
			slog.String("source", string(msg.Source)),
			slog.Int("function_calls", len(msg.FunctionCalls)),
			slog.String("content", msg.Content),
		)
	}
}

// generate asks provider for the next message of role self.
func (b *base) generate(ctx context.Context, provider llm.Provider, system string, key MemoryKey, self domain.SourceType, task *Task) (domain.ModelMessage, error) {
	resp, err := provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     toTurns(b.memory.Messages(key), self),
		MaxTokens:    b.maxTokens,
	})
	if err != nil {
		return domain.ModelMessage{}, fmt.Errorf("%w: %s via %s: %w", ErrModel, strings.ToLower(string(self)), provider.Name(), err)
	}
	if task.Tokens != nil {
		task.Tokens.Add(int64(resp.Usage.Total()))
	}
	return domain.NewModelMessage(self, resp.Content), nil
}

// toTurns maps memory to provider turns from the point of view of self:
// its own messages are assistant turns, everything else is user input.
func toTurns(msgs []domain.ModelMessage, self domain.SourceType) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Source == self {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: renderContent(m)})
	}
	return out
}

func renderContent(m domain.ModelMessage) string {
	if len(m.FunctionCalls) == 0 {
		return m.Content
	}
	return m.Content + "\n\n" + FormatResults(m.FunctionCalls)
}

// FormatResults renders function call results as a "Function results:" block.
func FormatResults(results []domain.FunctionCallResult) string {
	var b strings.Builder
	b.WriteString("Function results:")
	for _, r := range results {
		fmt.Fprintf(&b, "\n- %s [%s]", r.FuncName, r.Status)
		if r.CallObjective != "" {
			fmt.Fprintf(&b, " (%s)", r.CallObjective)
		}
		fmt.Fprintf(&b, ": %s", r.Output)
	}
	return b.String()
}

var sectionMarkers = []string{"Scratchpad:", "Action:", "Feedback:", DoneToken}

// Conclude strips the section markers and the done token from a payload.
func Conclude(payload string) string {
	out := payload
	for _, marker := range sectionMarkers {
		out = strings.ReplaceAll(out, marker, "")
	}
	return strings.TrimSpace(out)
}

func isDone(content string) bool {
	return strings.Contains(content, DoneToken)
}
