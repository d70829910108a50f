package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
)

// Store persists jobs, results and graph snapshots.
type Store interface {
	MessageStore
	SaveJob(ctx context.Context, job domain.Job) error
	UpdateJobResult(ctx context.Context, res domain.JobResult) error
	GetJobResult(ctx context.Context, jobID string) (*domain.JobResult, error)
	SaveJobGraph(ctx context.Context, jobID string, snapshot []byte) error
	GetJobGraph(ctx context.Context, jobID string) ([]byte, error)
}

// jobState is the in-memory state of one submitted root job.
type jobState struct {
	job    domain.Job
	graph  *JobGraph
	result domain.JobResult
	cancel context.CancelFunc
}

// LeaderState tracks submitted root jobs.
type LeaderState struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
}

// NewLeaderState creates an empty state.
func NewLeaderState() *LeaderState {
	return &LeaderState{jobs: make(map[string]*jobState)}
}

func (s *LeaderState) put(st *jobState) {
	s.mu.Lock()
	s.jobs[st.job.ID] = st
	s.mu.Unlock()
}

func (s *LeaderState) get(id string) (*jobState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[id]
	return st, ok
}

func (s *LeaderState) view(id string) (domain.JobResult, *JobGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[id]
	if !ok {
		return domain.JobResult{}, nil, false
	}
	return st.result, st.graph, true
}

func (s *LeaderState) update(id string, fn func(*jobState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.jobs[id]; ok {
		fn(st)
	}
}

// Release forgets id. Unknown ids are ignored.
func (s *LeaderState) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Len returns the number of tracked jobs.
func (s *LeaderState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Engine is the entry point for submitting goals: it persists the job,
// decomposes it and runs the job graph in the background.
type Engine struct {
	leader       *Leader
	store        Store
	state        *LeaderState
	conversation *ConversationLog
	events       *EventHub
	metrics      *Metrics
	logger       *slog.Logger
	onRelease    []func(jobID string)

	wg sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore persists jobs and results.
func WithStore(s Store) EngineOption { return func(e *Engine) { e.store = s } }

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithReleaseHook registers fn to run on Release for the root job and
// every sub-job still in its graph.
func WithReleaseHook(fn func(jobID string)) EngineOption {
	return func(e *Engine) { e.onRelease = append(e.onRelease, fn) }
}

// NewEngine creates an engine around leader. The leader's event hub,
// metrics and conversation log are shared with the engine.
func NewEngine(leader *Leader, opts ...EngineOption) *Engine {
	e := &Engine{
		leader:       leader,
		state:        NewLeaderState(),
		conversation: leader.conversation,
		events:       leader.events,
		metrics:      leader.metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.conversation == nil {
		var ms MessageStore
		if e.store != nil {
			ms = e.store
		}
		e.conversation = NewConversationLog(ms, e.logger)
		leader.conversation = e.conversation
	}
	return e
}

// Events returns the engine's event hub, or nil.
func (e *Engine) Events() *EventHub { return e.events }

// State returns the tracked jobs.
func (e *Engine) State() *LeaderState { return e.state }

// Submit stores a new root job for msg and starts it in the background.
// The returned id can be polled with QueryResult.
func (e *Engine) Submit(ctx context.Context, msg domain.ChatMessage) (string, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return "", errors.New("message content is empty")
	}
	job := domain.NewJob(msg.SessionID, msg.Content, msg.Context)
	job.OutputSchema = msg.OutputSchema

	if e.store != nil {
		if err := e.store.SaveJob(ctx, job); err != nil {
			return "", fmt.Errorf("saving job: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &jobState{
		job:    job,
		result: domain.JobResult{JobID: job.ID, Status: domain.JobCreated, UpdatedAt: job.CreatedAt},
		cancel: cancel,
	}
	e.state.put(st)
	e.conversation.Add(ctx, domain.MessageView{
		Role:    domain.ViewUser,
		Content: msg.Content,
		JobID:   job.ID,
	})

	e.logger.InfoContext(ctx, "job submitted",
		slog.String("job_id", job.ID),
		slog.String("session_id", job.SessionID),
		slog.String("goal", job.Goal),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, job)
	}()
	return job.ID, nil
}

func (e *Engine) run(ctx context.Context, job domain.Job) {
	start := time.Now()
	e.setStatus(ctx, job.ID, domain.JobRunning)

	cfg := e.leader.config
	root := domain.NewSubJob(job, job.ID, cfg.lifeCap())
	g, err := e.leader.Decompose(ctx, root, cfg.lifeCap())

	var res domain.JobResult
	if err != nil {
		status := domain.JobFailed
		if ctx.Err() != nil {
			status = domain.JobStopped
		}
		e.logger.WarnContext(ctx, "decomposition failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		res = domain.JobResult{
			JobID:  job.ID,
			Status: status,
			Result: domain.WorkflowMessage{
				Scratchpad: "decomposition failed",
				Status:     domain.VerdictExecutionError,
				Lesson:     err.Error(),
			},
			Duration:  time.Since(start),
			UpdatedAt: time.Now().UTC(),
		}
	} else {
		e.state.update(job.ID, func(st *jobState) { st.graph = g })
		res = e.leader.ExecuteJobGraph(ctx, g)
		res.JobID = job.ID
		res.Duration = time.Since(start)
		e.saveGraph(ctx, job.ID, g)
	}
	e.finish(ctx, job, res)
}

func (e *Engine) setStatus(ctx context.Context, id string, status domain.JobStatus) {
	var res domain.JobResult
	e.state.update(id, func(st *jobState) {
		st.job.Status = status
		st.result.Status = status
		st.result.UpdatedAt = time.Now().UTC()
		res = st.result
	})
	if e.store != nil {
		if err := e.store.UpdateJobResult(ctx, res); err != nil {
			e.logger.WarnContext(ctx, "failed to persist job status",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) finish(ctx context.Context, job domain.Job, res domain.JobResult) {
	// The run context may be cancelled; persistence still has to happen.
	pctx := context.WithoutCancel(ctx)
	e.state.update(job.ID, func(st *jobState) {
		st.job.Status = res.Status
		st.result = res
	})
	if e.store != nil {
		if err := e.store.UpdateJobResult(pctx, res); err != nil {
			e.logger.WarnContext(pctx, "failed to persist job result",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.conversation.Add(pctx, domain.MessageView{
		Role:    domain.ViewAssistant,
		Content: res.Result.Scratchpad,
		JobID:   job.ID,
	})
	e.metrics.jobDone(res.Status, res.Duration)
	e.events.Publish(Event{JobID: job.ID, Kind: EventJobDone, Status: res.Status})

	e.logger.InfoContext(pctx, "job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(res.Status)),
		slog.Int("tokens", res.Tokens),
		slog.Duration("duration", res.Duration),
	)
}

func (e *Engine) saveGraph(ctx context.Context, jobID string, g *JobGraph) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(g.Snapshot())
	if err == nil {
		err = e.store.SaveJobGraph(context.WithoutCancel(ctx), jobID, data)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "failed to persist job graph",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// QueryResult returns the current result of a root job. Until the job is
// terminal the status is CREATED or RUNNING.
func (e *Engine) QueryResult(ctx context.Context, id string) (*domain.JobResult, error) {
	if res, _, ok := e.state.view(id); ok {
		return &res, nil
	}
	if e.store != nil {
		return e.store.GetJobResult(ctx, id)
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
}

// ConversationView returns the question, thinking chain and answer of a job.
func (e *Engine) ConversationView(ctx context.Context, id string) ([]domain.MessageView, error) {
	views, err := e.conversation.View(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		if _, ok := e.state.get(id); !ok {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
	}
	return views, nil
}

// Graph returns a snapshot of the job's graph.
func (e *Engine) Graph(ctx context.Context, id string) (*GraphSnapshot, error) {
	if _, g, ok := e.state.view(id); ok {
		if g == nil {
			return &GraphSnapshot{RootID: id}, nil
		}
		snap := g.Snapshot()
		return &snap, nil
	}
	if e.store != nil {
		data, err := e.store.GetJobGraph(ctx, id)
		if err != nil {
			return nil, err
		}
		var snap GraphSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decoding job graph: %w", err)
		}
		return &snap, nil
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
}

// Cancel stops a running job. Cancelling a finished job is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	st, ok := e.state.get(id)
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	st.cancel()
	e.logger.InfoContext(ctx, "job cancellation requested", slog.String("job_id", id))
	return nil
}

// Release forgets a job's in-memory state. Persisted data is kept.
func (e *Engine) Release(id string) {
	ids := []string{id}
	if _, graph, ok := e.state.view(id); ok && graph != nil {
		ids = append(ids, graph.Nodes()...)
	}
	e.state.Release(id)
	e.conversation.Release(id)
	for _, fn := range e.onRelease {
		for _, jobID := range ids {
			fn(jobID)
		}
	}
}

// Wait blocks until every submitted job has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Shutdown cancels all running jobs and waits for them, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.state.mu.RLock()
	for _, st := range e.state.jobs {
		st.cancel()
	}
	e.state.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
