package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/jsonutil"
	"github.com/jkaninda/chorus/internal/prompts"
	"github.com/jkaninda/chorus/internal/reasoner"
	"github.com/jkaninda/chorus/internal/toolkit"
)

// evalRetries is how many extra evaluations are attempted after a parse failure.
const evalRetries = 2

// EvalOperator is an Operator whose output is a structured verdict.
type EvalOperator struct {
	*Operator
}

// NewEvalOperator creates an evaluator.
func NewEvalOperator(cfg OperatorConfig, tk *toolkit.Graph, opts ...OperatorOption) *EvalOperator {
	if cfg.ID == "" {
		cfg.ID = "evaluator"
	}
	return &EvalOperator{Operator: NewOperator(cfg, tk, opts...)}
}

type evaluation struct {
	Status     string `json:"status"`
	Evaluation string `json:"evaluation"`
	Lesson     string `json:"lesson"`
	Scratchpad any    `json:"scratchpad"`
}

// Execute asks the reasoner for a verdict. Unparseable output is re-evaluated
// up to two more times before it is reported as an execution error.
func (e *EvalOperator) Execute(ctx context.Context, r reasoner.Reasoner, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
	task := e.BuildTask(ctx, job, msgs)
	format, err := prompts.Render(prompts.Evaluator, prompts.Data{})
	if err != nil {
		return domain.WorkflowMessage{}, err
	}
	task.OutputFormat = format

	var parseErr error
	for attempt := 0; attempt <= evalRetries; attempt++ {
		out, err := r.Infer(ctx, task)
		if err != nil {
			return domain.WorkflowMessage{}, fmt.Errorf("evaluator %s: %w", e.cfg.ID, err)
		}
		msg, err := ParseEvaluation(out, msgs)
		if err == nil {
			return msg, nil
		}
		parseErr = err
		e.logger.WarnContext(ctx, "evaluation output unparseable",
			slog.String("operator", e.cfg.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.WorkflowMessage{
		Scratchpad: joinScratchpads(msgs),
		Status:     domain.VerdictExecutionError,
		Evaluation: "evaluator output could not be parsed",
		Lesson:     parseErr.Error(),
	}, nil
}

// ParseEvaluation decodes evaluator output. A missing scratchpad falls back
// to the evaluated inputs.
func ParseEvaluation(out string, inputs []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
	var ev evaluation
	if err := jsonutil.Unmarshal(out, &ev); err != nil {
		return domain.WorkflowMessage{}, err
	}
	msg := domain.WorkflowMessage{
		Status:     ParseVerdict(ev.Status),
		Evaluation: ev.Evaluation,
		Lesson:     ev.Lesson,
		Scratchpad: toolkit.Stringify(ev.Scratchpad),
	}
	if ev.Scratchpad == nil {
		msg.Scratchpad = joinScratchpads(inputs)
	}
	return msg, nil
}

// verdictPriority lists status phrases from highest to lowest priority.
var verdictPriority = []struct {
	words   []string
	verdict domain.Verdict
}{
	{[]string{"EXECUTION", "ERROR"}, domain.VerdictExecutionError},
	{[]string{"INPUT", "DATA", "ERROR"}, domain.VerdictInputDataError},
	{[]string{"TOO", "COMPLICATED"}, domain.VerdictTooComplicated},
	{[]string{"SUCCESS"}, domain.VerdictSuccess},
}

// negations make a status unknown wherever they appear.
var negations = map[string]bool{
	"NOT": true, "NO": true, "NON": true, "NEVER": true,
	"ISN": true, "WASN": true, "DIDN": true, "DOESN": true,
}

// ParseVerdict maps free-form status text to a verdict. Statuses are
// matched as whole words; when several appear the highest-priority one
// wins. Unknown or negated text is an execution error.
func ParseVerdict(status string) domain.Verdict {
	words := strings.FieldsFunc(strings.ToUpper(status), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if negations[w] {
			return domain.VerdictExecutionError
		}
	}
	for _, p := range verdictPriority {
		if containsPhrase(words, p.words) {
			return p.verdict
		}
	}
	return domain.VerdictExecutionError
}

func containsPhrase(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		if slices.Equal(words[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

func joinScratchpads(msgs []domain.WorkflowMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Scratchpad)
	}
	return strings.Join(parts, "\n")
}

var _ Runner = (*EvalOperator)(nil)
