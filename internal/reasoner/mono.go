package reasoner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/prompts"
)

// MonoModelReasoner lets one model think and act in a single round.
type MonoModelReasoner struct {
	base
	model llm.Provider
}

// NewMono creates a single-round reasoner. WithRounds has no effect on it.
func NewMono(model llm.Provider, opts ...Option) *MonoModelReasoner {
	r := &MonoModelReasoner{base: newBase(opts), model: model}
	r.rounds = 1
	return r
}

// Infer runs one round. Results of tool calls requested in that round are
// appended to the conclusion since no later round can observe them.
func (r *MonoModelReasoner) Infer(ctx context.Context, task *Task) (result string, err error) {
	ctx, span := tracer.Start(ctx, "reasoner.mono",
		trace.WithAttributes(
			attribute.String("job.id", task.Job.ID),
			attribute.String("operator.id", task.OperatorID),
		))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.observeEpisode("mono", err, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := task.Key()
	r.memory.Reset(key)
	r.append(ctx, key, domain.NewModelMessage(domain.SourceActor, SeedContent))

	system, err := prompts.Render(prompts.Mono, task.promptData())
	if err != nil {
		return "", err
	}

	msg, err := r.generate(ctx, r.model, system, key, domain.SourceModel, task)
	if err != nil {
		return "", err
	}
	if len(task.Tools) > 0 {
		msg.FunctionCalls = Dispatch(ctx, msg.Content, task.Tools)
		r.metrics.observeCalls(msg.FunctionCalls)
	}
	r.append(ctx, key, msg)
	r.metrics.observeRound()

	out := Conclude(directivePattern.ReplaceAllString(msg.Content, ""))
	if len(msg.FunctionCalls) > 0 {
		out += "\n\n" + FormatResults(msg.FunctionCalls)
	}
	return out, nil
}

var _ Reasoner = (*MonoModelReasoner)(nil)
