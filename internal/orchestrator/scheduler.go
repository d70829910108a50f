package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/workflow"
)

// completion is what a worker reports back to the dispatcher.
type completion struct {
	id       string
	msg      domain.WorkflowMessage
	err      error
	tokens   int64
	duration time.Duration
	sub      *JobGraph // set by a re-decomposition worker
	splice   bool
}

// graphRun is the dispatcher state of one ExecuteJobGraph call. Only the
// dispatcher goroutine touches it.
type graphRun struct {
	l          *Leader
	g          *JobGraph
	running    map[string]bool
	stale      map[string]bool // invalidated while running; result is discarded
	dispatches map[string]int
	done       chan completion
	tokens     int64
	lastFailed string
}

// ExecuteJobGraph runs g until every node is terminal and returns the
// aggregated result for the root job. At most MaxParallel subjobs run at
// once and no subjob runs twice concurrently. Cancelling ctx halts new
// dispatches; in-flight subjobs end STOPPED.
func (l *Leader) ExecuteJobGraph(ctx context.Context, g *JobGraph) domain.JobResult {
	start := time.Now()
	r := &graphRun{
		l:          l,
		g:          g,
		running:    make(map[string]bool),
		stale:      make(map[string]bool),
		dispatches: make(map[string]int),
		done:       make(chan completion),
	}

	l.logger.InfoContext(ctx, "job graph execution started",
		slog.String("root_id", g.RootID()),
		slog.Int("subjobs", g.Len()),
		slog.Int("max_parallel", l.config.maxParallel()),
	)

	for {
		if ctx.Err() == nil {
			for _, id := range r.ready() {
				if len(r.running) >= l.config.maxParallel() {
					break
				}
				r.dispatch(ctx, id)
			}
		}
		if len(r.running) == 0 {
			break
		}
		r.handle(ctx, <-r.done)
	}

	r.stopRemaining()
	res := r.result(ctx, start)
	l.logger.InfoContext(ctx, "job graph execution finished",
		slog.String("root_id", g.RootID()),
		slog.String("status", string(res.Status)),
		slog.Int("tokens", res.Tokens),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// ready returns created nodes whose predecessors have all finished.
func (r *graphRun) ready() []string {
	var out []string
	for _, id := range r.g.Nodes() {
		if r.running[id] {
			continue
		}
		job, ok := r.g.Node(id)
		if !ok || job.Status != domain.JobCreated {
			continue
		}
		if _, has := r.g.Result(id); has {
			continue
		}
		ok = true
		for _, p := range r.g.Predecessors(id) {
			res, has := r.g.Result(p)
			if !has || res.Status != domain.JobFinished {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *graphRun) dispatch(ctx context.Context, id string) {
	if r.dispatches[id] >= r.l.config.dispatchBudget() {
		r.fail(ctx, id, domain.WorkflowMessage{
			Status: domain.VerdictExecutionError,
			Lesson: fmt.Sprintf("%s: dispatched %d times", ErrDispatchBudget, r.dispatches[id]),
		})
		return
	}
	expert, err := r.l.registry.GetByName(r.g.Expert(id))
	if err != nil {
		r.fail(ctx, id, domain.WorkflowMessage{Status: domain.VerdictExecutionError, Lesson: err.Error()})
		return
	}

	job, _ := r.g.Node(id)
	job.Status = domain.JobRunning
	job.ContextMessages = make(map[string]domain.WorkflowMessage)
	for _, p := range r.g.Predecessors(id) {
		if res, ok := r.g.Result(p); ok {
			job.ContextMessages[p] = res.Result
		}
	}
	r.g.SetStatus(id, domain.JobRunning)
	r.dispatches[id]++
	r.running[id] = true
	r.l.conversation.Bind(id, r.g.RootID())
	r.l.metrics.dispatched()
	r.publish(id, EventDispatched, domain.JobRunning, job.Goal)

	r.l.logger.DebugContext(ctx, "subjob dispatched",
		slog.String("subjob_id", id),
		slog.String("expert", expert.Name),
		slog.Int("dispatch", r.dispatches[id]),
		slog.Int("upstream", len(job.ContextMessages)),
	)

	go func() {
		var tokens atomic.Int64
		start := time.Now()
		msg, err := expert.Workflow.Execute(workflow.WithTokenCounter(ctx, &tokens), *job, expert.Reasoner)
		r.done <- completion{id: id, msg: msg, err: err, tokens: tokens.Load(), duration: time.Since(start)}
	}()
}

func (r *graphRun) handle(ctx context.Context, c completion) {
	delete(r.running, c.id)
	r.tokens += c.tokens

	if r.stale[c.id] {
		delete(r.stale, c.id)
		r.l.metrics.completed("DISCARDED")
		r.g.SetStatus(c.id, domain.JobCreated)
		return
	}

	if c.splice {
		r.splice(ctx, c)
		return
	}

	if c.err != nil {
		if errors.Is(c.err, workflow.ErrStopped) || ctx.Err() != nil {
			r.l.metrics.completed("STOPPED")
			r.stop(c.id, c.msg)
			return
		}
		r.l.logger.WarnContext(ctx, "expert workflow failed",
			slog.String("subjob_id", c.id),
			slog.String("error", c.err.Error()),
		)
		c.msg = domain.WorkflowMessage{
			Status:     domain.VerdictExecutionError,
			Evaluation: "expert workflow failed",
			Lesson:     c.err.Error(),
		}
	}

	verdict := c.msg.Status
	if verdict == "" {
		verdict = domain.VerdictSuccess
	}
	r.l.metrics.completed(verdict)

	switch verdict {
	case domain.VerdictSuccess:
		c.msg.Status = domain.VerdictSuccess
		r.g.SetResult(c.id, domain.JobResult{
			Status:    domain.JobFinished,
			Result:    c.msg,
			Duration:  c.duration,
			Tokens:    int(c.tokens),
			UpdatedAt: time.Now().UTC(),
		})
		r.publish(c.id, EventFinished, domain.JobFinished, "")
	case domain.VerdictInputDataError:
		r.propagateLesson(ctx, c.id, c.msg)
	case domain.VerdictTooComplicated:
		r.redecompose(ctx, c.id, c.msg)
	default:
		r.retry(ctx, c.id, c.msg)
	}
}

// retry re-enqueues id with the evaluator's lesson while its retry budget lasts.
func (r *graphRun) retry(ctx context.Context, id string, msg domain.WorkflowMessage) {
	job, _ := r.g.Node(id)
	if job.RetryCount >= r.l.config.retryCap() {
		r.fail(ctx, id, msg)
		return
	}
	r.g.Update(id, func(j *domain.SubJob) {
		j.RetryCount++
		j.Status = domain.JobCreated
		if msg.Lesson != "" {
			j.Lesson = msg.Lesson
		}
	})
	r.l.metrics.rewrite("retry")
	r.publish(id, EventRetried, domain.JobCreated, msg.Lesson)
	r.l.logger.InfoContext(ctx, "subjob retried",
		slog.String("subjob_id", id),
		slog.Int("retry", job.RetryCount+1),
		slog.String("lesson", msg.Lesson),
	)
}

// propagateLesson re-runs the predecessors of id with the lesson attached.
// Their results and everything downstream of them are invalidated. A source
// node has nobody to blame and is retried instead.
func (r *graphRun) propagateLesson(ctx context.Context, id string, msg domain.WorkflowMessage) {
	preds := r.g.Predecessors(id)
	if len(preds) == 0 {
		r.retry(ctx, id, msg)
		return
	}
	job, _ := r.g.Node(id)
	if job.RetryCount >= r.l.config.retryCap() {
		r.fail(ctx, id, msg)
		return
	}
	for _, p := range preds {
		if r.dispatches[p] >= r.l.config.dispatchBudget() {
			msg.Lesson = strings.TrimSpace(msg.Lesson + "\n" + fmt.Sprintf("%s: predecessor %s", ErrDispatchBudget, p))
			r.fail(ctx, id, msg)
			return
		}
	}

	lesson := msg.Lesson
	if lesson == "" {
		lesson = msg.Evaluation
	}
	r.g.Update(id, func(j *domain.SubJob) { j.RetryCount++ })
	for _, p := range preds {
		r.g.ClearResult(p)
		r.g.Update(p, func(j *domain.SubJob) {
			j.Lesson = lesson
			j.Status = domain.JobCreated
		})
		for _, d := range r.g.Descendants(p) {
			r.invalidate(d)
		}
		r.publish(p, EventRetried, domain.JobCreated, lesson)
	}
	r.l.metrics.rewrite("lesson")
	r.l.logger.InfoContext(ctx, "lesson propagated upstream",
		slog.String("subjob_id", id),
		slog.Int("predecessors", len(preds)),
		slog.String("lesson", lesson),
	)
}

// invalidate drops the result of id so it runs again once its inputs are ready.
func (r *graphRun) invalidate(id string) {
	job, ok := r.g.Node(id)
	if !ok {
		return
	}
	switch job.Status {
	case domain.JobFailed, domain.JobStopped:
		return
	}
	r.g.ClearResult(id)
	if r.running[id] {
		r.stale[id] = true
		return
	}
	r.g.SetStatus(id, domain.JobCreated)
}

// redecompose asks the leader for a finer decomposition of id while its
// life lasts. The decomposition runs on a worker and occupies a slot like
// any dispatched subjob; the splice happens when it reports back.
func (r *graphRun) redecompose(ctx context.Context, id string, msg domain.WorkflowMessage) {
	job, _ := r.g.Node(id)
	if job.Life <= 0 {
		r.fail(ctx, id, msg)
		return
	}

	r.running[id] = true
	r.l.logger.DebugContext(ctx, "subjob re-decomposing", slog.String("subjob_id", id), slog.Int("life", job.Life))
	go func() {
		var tokens atomic.Int64
		start := time.Now()
		sub, err := r.l.Decompose(workflow.WithTokenCounter(ctx, &tokens), job, job.Life-1)
		r.done <- completion{
			id:       id,
			msg:      msg,
			err:      err,
			tokens:   tokens.Load(),
			duration: time.Since(start),
			sub:      sub,
			splice:   true,
		}
	}()
}

// splice replaces a node with the decomposition its worker produced.
func (r *graphRun) splice(ctx context.Context, c completion) {
	id, msg := c.id, c.msg
	if c.err != nil {
		if ctx.Err() != nil {
			r.stop(id, msg)
			return
		}
		msg.Lesson = strings.TrimSpace(msg.Lesson + "\n" + c.err.Error())
		r.fail(ctx, id, msg)
		return
	}
	if err := r.g.Splice(id, c.sub); err != nil {
		msg.Lesson = strings.TrimSpace(msg.Lesson + "\n" + err.Error())
		r.fail(ctx, id, msg)
		return
	}

	r.l.metrics.rewrite("redecompose")
	r.publish(id, EventRewritten, "", fmt.Sprintf("replaced by %d subjobs", c.sub.Len()))
	r.l.logger.InfoContext(ctx, "subjob re-decomposed",
		slog.String("subjob_id", id),
		slog.Int("subjobs", c.sub.Len()),
		slog.Duration("duration", c.duration),
	)
}

// fail marks id FAILED and stops everything downstream of it.
func (r *graphRun) fail(ctx context.Context, id string, msg domain.WorkflowMessage) {
	r.g.SetResult(id, domain.JobResult{
		Status:    domain.JobFailed,
		Result:    msg,
		UpdatedAt: time.Now().UTC(),
	})
	r.lastFailed = id
	r.publish(id, EventFailed, domain.JobFailed, msg.Lesson)
	r.l.logger.WarnContext(ctx, "subjob failed",
		slog.String("subjob_id", id),
		slog.String("verdict", string(msg.Status)),
		slog.String("lesson", msg.Lesson),
	)

	for _, d := range r.g.Descendants(id) {
		job, ok := r.g.Node(d)
		if !ok || job.Status.Terminal() {
			continue
		}
		r.stop(d, domain.WorkflowMessage{})
	}
}

func (r *graphRun) stop(id string, msg domain.WorkflowMessage) {
	r.g.SetResult(id, domain.JobResult{
		Status:    domain.JobStopped,
		Result:    msg,
		UpdatedAt: time.Now().UTC(),
	})
	r.publish(id, EventStopped, domain.JobStopped, "")
}

// stopRemaining marks every non-terminal node STOPPED.
func (r *graphRun) stopRemaining() {
	for _, id := range r.g.Nodes() {
		if job, ok := r.g.Node(id); ok && !job.Status.Terminal() {
			r.stop(id, domain.WorkflowMessage{})
		}
	}
}

// result aggregates the root result: FINISHED with the sinks' outputs when
// every node finished, STOPPED on cancellation, FAILED otherwise with the
// last failing node's scratchpad and lesson.
func (r *graphRun) result(ctx context.Context, start time.Time) domain.JobResult {
	res := domain.JobResult{
		JobID:     r.g.RootID(),
		Duration:  time.Since(start),
		Tokens:    int(r.tokens),
		UpdatedAt: time.Now().UTC(),
	}

	allFinished := true
	for _, id := range r.g.Nodes() {
		if nr, ok := r.g.Result(id); !ok || nr.Status != domain.JobFinished {
			allFinished = false
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = domain.JobStopped
		res.Result = domain.WorkflowMessage{Scratchpad: "job stopped", Lesson: ctx.Err().Error()}
	case allFinished:
		res.Status = domain.JobFinished
		var parts []string
		for _, id := range r.g.Sinks() {
			nr, _ := r.g.Result(id)
			parts = append(parts, nr.Result.Scratchpad)
		}
		res.Result = domain.WorkflowMessage{Scratchpad: strings.Join(parts, "\n\n"), Status: domain.VerdictSuccess}
	default:
		res.Status = domain.JobFailed
		failed, _ := r.g.Result(r.lastFailed)
		res.Result = domain.WorkflowMessage{
			Scratchpad: strings.TrimSpace(failed.Result.Scratchpad + "\n" + failed.Result.Lesson),
			Status:     failed.Result.Status,
			Evaluation: failed.Result.Evaluation,
			Lesson:     failed.Result.Lesson,
		}
	}
	return res
}

func (r *graphRun) publish(id string, kind EventKind, status domain.JobStatus, message string) {
	r.l.events.Publish(Event{
		JobID:    r.g.RootID(),
		SubJobID: id,
		Kind:     kind,
		Status:   status,
		Message:  message,
	})
}
