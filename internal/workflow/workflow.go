// Package workflow runs a DAG of operators for one expert. Operators whose
// inputs are ready run concurrently; the single terminal operator's output
// is the workflow's result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/reasoner"
)

// DefaultOperatorTimeout bounds a single operator run.
const DefaultOperatorTimeout = 600 * time.Second

var (
	ErrEmpty             = errors.New("workflow has no operators")
	ErrDuplicateOperator = errors.New("duplicate operator id")
	ErrUnknownOperator   = errors.New("unknown operator")
	ErrSelfLoop          = errors.New("operator cannot feed itself")
	ErrCycle             = errors.New("workflow contains a cycle")
	ErrMultipleTerminals = errors.New("workflow must have exactly one terminal operator")
	ErrEvaluatorAttached = errors.New("workflow already has an evaluator")
	ErrJoinMissingJob    = errors.New("join requires a job argument")
	ErrStopped           = errors.New("workflow stopped")
)

// Workflow is a DAG of operators. It is safe for concurrent use; Execute
// holds a read lock so graph edits wait for in-flight runs.
type Workflow struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	ops       map[string]Runner
	order     []string // insertion order
	succ      map[string][]string
	pred      map[string][]string
	evaluator string
	plan      []string // topological order, rebuilt on every edit
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithOperatorTimeout overrides the per-operator soft timeout.
func WithOperatorTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

// New creates an empty workflow.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		name:    name,
		timeout: DefaultOperatorTimeout,
		ops:     make(map[string]Runner),
		succ:    make(map[string][]string),
		pred:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w
}

func (w *Workflow) Name() string { return w.name }

// AddOperator registers op as a node.
func (w *Workflow) AddOperator(op Runner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := op.ID()
	if _, ok := w.ops[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperator, id)
	}
	w.ops[id] = op
	w.order = append(w.order, id)
	return w.rebuild()
}

// Connect adds an edge from -> to. Edges that would close a cycle are rejected
// and leave the workflow unchanged.
func (w *Workflow) Connect(from, to string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connect(from, to)
}

func (w *Workflow) connect(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfLoop, from)
	}
	for _, id := range []string{from, to} {
		if _, ok := w.ops[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOperator, id)
		}
	}
	for _, s := range w.succ[from] {
		if s == to {
			return nil
		}
	}
	w.succ[from] = append(w.succ[from], to)
	w.pred[to] = append(w.pred[to], from)
	if err := w.rebuild(); err != nil {
		w.succ[from] = w.succ[from][:len(w.succ[from])-1]
		w.pred[to] = w.pred[to][:len(w.pred[to])-1]
		_ = w.rebuild()
		return err
	}
	return nil
}

// AttachEvaluator appends eval after the single terminal operator.
func (w *Workflow) AttachEvaluator(eval Runner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evaluator != "" {
		return ErrEvaluatorAttached
	}
	terms := w.terminals()
	if len(terms) != 1 {
		return fmt.Errorf("%w: found %d", ErrMultipleTerminals, len(terms))
	}
	id := eval.ID()
	if _, ok := w.ops[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperator, id)
	}
	w.ops[id] = eval
	w.order = append(w.order, id)
	if err := w.connect(terms[0], id); err != nil {
		return err
	}
	w.evaluator = id
	return nil
}

// HasEvaluator reports whether an evaluator is attached.
func (w *Workflow) HasEvaluator() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.evaluator != ""
}

// Operators returns operator ids in topological order.
func (w *Workflow) Operators() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.plan...)
}

// Terminals returns operators without successors.
func (w *Workflow) Terminals() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.terminals()
}

func (w *Workflow) terminals() []string {
	var out []string
	for _, id := range w.order {
		if len(w.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// rebuild recomputes the topological plan (Kahn, stable on insertion order).
func (w *Workflow) rebuild() error {
	indeg := make(map[string]int, len(w.ops))
	for _, id := range w.order {
		indeg[id] = len(w.pred[id])
	}
	var queue, plan []string
	for _, id := range w.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		plan = append(plan, id)
		for _, s := range w.succ[id] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if len(plan) != len(w.order) {
		return ErrCycle
	}
	w.plan = plan
	return nil
}

// Join normalises operator inputs. Exactly one argument must be a job
// (domain.SubJob, *domain.SubJob or domain.Job); the rest are workflow
// messages. Arguments of other types are ignored.
func Join(args ...any) (domain.SubJob, []domain.WorkflowMessage, error) {
	var (
		job   domain.SubJob
		found bool
		msgs  []domain.WorkflowMessage
	)
	for _, a := range args {
		switch v := a.(type) {
		case domain.SubJob:
			job, found = v, true
		case *domain.SubJob:
			if v != nil {
				job, found = *v, true
			}
		case domain.Job:
			job, found = domain.SubJob{Job: v}, true
		case domain.WorkflowMessage:
			msgs = append(msgs, v)
		case *domain.WorkflowMessage:
			if v != nil {
				msgs = append(msgs, *v)
			}
		case []domain.WorkflowMessage:
			msgs = append(msgs, v...)
		}
	}
	if !found {
		return domain.SubJob{}, nil, ErrJoinMissingJob
	}
	return job, msgs, nil
}

// timedOut carries the message reported for an operator that exceeded its timeout.
type timedOut struct {
	msg domain.WorkflowMessage
}

func (t *timedOut) Error() string { return t.msg.Lesson }

// Execute runs every operator once. Sources receive the job alone; other
// operators receive the job joined with their predecessors' outputs, in the
// order the edges were added. An operator exceeding the soft timeout ends the
// run with an EXECUTION_ERROR message. Cancelling ctx yields ErrStopped.
func (w *Workflow) Execute(ctx context.Context, job domain.SubJob, r reasoner.Reasoner) (domain.WorkflowMessage, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.plan) == 0 {
		return domain.WorkflowMessage{}, ErrEmpty
	}
	terms := w.terminals()
	if len(terms) != 1 {
		return domain.WorkflowMessage{}, fmt.Errorf("%w: found %d", ErrMultipleTerminals, len(terms))
	}

	var (
		outMu   sync.Mutex
		outputs = make(map[string]domain.WorkflowMessage, len(w.plan))
		done    = make(map[string]chan struct{}, len(w.plan))
	)
	for _, id := range w.plan {
		done[id] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range w.plan {
		op := w.ops[id]
		preds := w.pred[id]
		g.Go(func() error {
			for _, p := range preds {
				select {
				case <-done[p]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			args := []any{job}
			outMu.Lock()
			for _, p := range preds {
				args = append(args, outputs[p])
			}
			outMu.Unlock()
			j, msgs, err := Join(args...)
			if err != nil {
				return err
			}

			out, err := w.runOperator(gctx, op, r, j, msgs)
			if err != nil {
				return err
			}
			outMu.Lock()
			outputs[id] = out
			outMu.Unlock()
			close(done[id])
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return domain.WorkflowMessage{}, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	}
	if err != nil {
		var to *timedOut
		if errors.As(err, &to) {
			return to.msg, nil
		}
		return domain.WorkflowMessage{}, err
	}
	return outputs[terms[0]], nil
}

func (w *Workflow) runOperator(ctx context.Context, op Runner, r reasoner.Reasoner, job domain.SubJob, msgs []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
	opCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	w.logger.DebugContext(ctx, "operator started",
		slog.String("workflow", w.name),
		slog.String("operator", op.ID()),
		slog.String("job_id", job.ID),
		slog.Int("inputs", len(msgs)),
	)

	out, err := op.Execute(opCtx, r, job, msgs)
	if err == nil && opCtx.Err() == context.DeadlineExceeded {
		err = opCtx.Err()
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			w.logger.WarnContext(ctx, "operator timed out",
				slog.String("workflow", w.name),
				slog.String("operator", op.ID()),
				slog.Duration("timeout", w.timeout),
			)
			return domain.WorkflowMessage{}, &timedOut{msg: domain.WorkflowMessage{
				Status:     domain.VerdictExecutionError,
				Evaluation: "operator timed out",
				Lesson:     fmt.Sprintf("operator %s exceeded %s", op.ID(), w.timeout),
			}}
		}
		return domain.WorkflowMessage{}, err
	}

	w.logger.DebugContext(ctx, "operator finished",
		slog.String("workflow", w.name),
		slog.String("operator", op.ID()),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}
