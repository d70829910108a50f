package reasoner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/prompts"
)

// DualModelReasoner alternates a Thinker and an Actor model.
type DualModelReasoner struct {
	base
	thinker llm.Provider
	actor   llm.Provider
}

// NewDual creates a dual reasoner. The same provider may play both roles.
func NewDual(thinker, actor llm.Provider, opts ...Option) *DualModelReasoner {
	return &DualModelReasoner{base: newBase(opts), thinker: thinker, actor: actor}
}

// Infer runs one episode and returns its conclusion.
func (r *DualModelReasoner) Infer(ctx context.Context, task *Task) (result string, err error) {
	ctx, span := tracer.Start(ctx, "reasoner.dual",
		trace.WithAttributes(
			attribute.String("job.id", task.Job.ID),
			attribute.String("operator.id", task.OperatorID),
			attribute.Int("rounds.max", r.rounds),
		))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.observeEpisode("dual", err, time.Since(start))
	}()

	key := task.Key()
	r.memory.Reset(key)
	r.append(ctx, key, domain.NewModelMessage(domain.SourceActor, SeedContent))

	data := task.promptData()
	thinkerPrompt, err := prompts.Render(prompts.Thinker, data)
	if err != nil {
		return "", err
	}
	actorPrompt, err := prompts.Render(prompts.Actor, data)
	if err != nil {
		return "", err
	}

	rounds := 0
	for k := 1; k <= r.rounds; k++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		thought, err := r.generate(ctx, r.thinker, thinkerPrompt, key, domain.SourceThinker, task)
		if err != nil {
			return "", fmt.Errorf("round %d: %w", k, err)
		}
		r.append(ctx, key, thought)

		action, err := r.generate(ctx, r.actor, actorPrompt, key, domain.SourceActor, task)
		if err != nil {
			return "", fmt.Errorf("round %d: %w", k, err)
		}
		if len(task.Tools) > 0 {
			action.FunctionCalls = Dispatch(ctx, action.Content, task.Tools)
			r.metrics.observeCalls(action.FunctionCalls)
		}
		r.append(ctx, key, action)
		rounds = k
		r.metrics.observeRound()

		if isDone(action.Content) {
			break
		}
	}
	span.SetAttributes(attribute.Int("rounds.used", rounds))

	last, ok := r.memory.Last(key)
	if !ok {
		return "", fmt.Errorf("reasoner memory for %s/%s is empty", key.JobID, key.OperatorID)
	}
	return Conclude(last.Content), nil
}

var _ Reasoner = (*DualModelReasoner)(nil)
