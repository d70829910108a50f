package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- helpers ---

type expertFunc func(ctx context.Context, job domain.SubJob) (domain.WorkflowMessage, error)

// funcExpert wraps fn in a single-operator workflow and counts dispatches.
func funcExpert(t *testing.T, name string, calls *atomic.Int32, fn expertFunc) *Expert {
	t.Helper()
	w := workflow.New(name, workflow.WithLogger(discardLogger()))
	op := &workflow.FuncOperator{OpID: name, Fn: func(ctx context.Context, job domain.SubJob, _ []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
		if calls != nil {
			calls.Add(1)
		}
		return fn(ctx, job)
	}}
	if err := w.AddOperator(op); err != nil {
		t.Fatalf("adding operator: %v", err)
	}
	return &Expert{Name: name, Description: "does " + name, Workflow: w}
}

// decomposer returns a leader workflow that answers with plan(job).
func decomposer(t *testing.T, plan func(job domain.SubJob) string) *workflow.Workflow {
	t.Helper()
	w := workflow.New("leader", workflow.WithLogger(discardLogger()))
	op := &workflow.FuncOperator{OpID: "decomposer", Fn: func(_ context.Context, job domain.SubJob, _ []domain.WorkflowMessage) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{Scratchpad: plan(job)}, nil
	}}
	if err := w.AddOperator(op); err != nil {
		t.Fatalf("adding decomposer: %v", err)
	}
	return w
}

func newLeader(t *testing.T, cfg Config, plan func(job domain.SubJob) string, experts ...*Expert) *Leader {
	t.Helper()
	reg, err := NewMemoryRegistry(experts...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewLeader(reg, decomposer(t, plan), nil, cfg, WithLogger(discardLogger()))
}

func rootJob(goal string) *domain.SubJob {
	job := domain.NewJob("session", goal, "")
	return domain.NewSubJob(job, job.ID, domain.DefaultLife)
}

// upstream returns predecessor scratchpads sorted for determinism.
func upstream(job domain.SubJob) []string {
	var out []string
	for _, m := range job.ContextMessages {
		out = append(out, m.Scratchpad)
	}
	sort.Strings(out)
	return out
}

func numbers(t *testing.T, s string) []int {
	var out []int
	for _, f := range strings.Fields(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			t.Errorf("not a number %q in %q", f, s)
			continue
		}
		out = append(out, n)
	}
	return out
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " ")
}

func nodeByGoal(t *testing.T, g *JobGraph, goal string) string {
	t.Helper()
	for _, id := range g.Nodes() {
		if job, _ := g.Node(id); job.Goal == goal {
			return id
		}
	}
	t.Fatalf("no node with goal %q", goal)
	return ""
}

func ok(scratchpad string) domain.WorkflowMessage {
	return domain.WorkflowMessage{Scratchpad: scratchpad, Status: domain.VerdictSuccess}
}

// --- decomposition parsing ---

func TestParseSubtasks_ArrayAndWrapped(t *testing.T) {
	array := "```json\n[{'id': 1, 'goal': 'a', 'dependencies': []}, {'id': 2, 'goal': 'b', 'dependencies': [1],},]\n```"
	got, err := ParseSubtasks(array)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].ID != "2" || len(got[1].Dependencies) != 1 || got[1].Dependencies[0] != "1" {
		t.Fatalf("unexpected subtasks: %+v", got)
	}

	wrapped := `Here is the plan: {"subtasks": [{"id": "x", "goal": "g", "completion_criteria": "done", "assigned_expert": "echo"}]}`
	got, err = ParseSubtasks(wrapped)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].AssignedExpert != "echo" || got[0].CompletionCriteria != "done" {
		t.Fatalf("unexpected subtasks: %+v", got)
	}

	if _, err := ParseSubtasks("no plan at all"); err == nil {
		t.Fatal("expected error for text without JSON")
	}
}

func TestParseSubtasks_MissingIDsAreNumbered(t *testing.T) {
	got, err := ParseSubtasks(`[{"goal": "a"}, {"goal": "b", "dependencies": [1]}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("expected ids 1 and 2, got: %s %s", got[0].ID, got[1].ID)
	}
	if err := ValidateSubtasks(got); err != nil {
		t.Fatalf("expected valid subtasks, got: %v", err)
	}
}

func TestValidateSubtasks(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []Subtask
		want     error
	}{
		{"cycle", []Subtask{{ID: "a", Dependencies: IDList{"b"}}, {ID: "b", Dependencies: IDList{"a"}}}, ErrCycle},
		{"self", []Subtask{{ID: "a", Dependencies: IDList{"a"}}}, ErrSelfLoop},
		{"unknown", []Subtask{{ID: "a", Dependencies: IDList{"zz"}}}, ErrUnknownJob},
		{"duplicate", []Subtask{{ID: "a"}, {ID: "a"}}, ErrDuplicateJob},
	}
	for _, tt := range tests {
		if err := ValidateSubtasks(tt.subtasks); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got: %v", tt.name, tt.want, err)
		}
	}
	if err := ValidateSubtasks(nil); err != nil {
		t.Fatalf("expected empty list to be valid, got: %v", err)
	}
}

// --- job graph ---

func graphOf(t *testing.T, ids ...string) *JobGraph {
	t.Helper()
	g := NewJobGraph("root")
	for _, id := range ids {
		job := domain.SubJob{Job: domain.Job{ID: id, Goal: id, Status: domain.JobCreated}, Life: 2}
		if err := g.AddNode(&job, "e"); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	return g
}

func TestJobGraph_RejectsCycles(t *testing.T) {
	g := graphOf(t, "a", "b", "c")
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
	if err := g.AddEdge("c", "a"); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got: %v", err)
	}
	if err := g.AddEdge("a", "a"); !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got: %v", err)
	}
	if !g.Acyclic() {
		t.Fatal("expected graph to stay acyclic")
	}
	if got := g.Successors("c"); len(got) != 0 {
		t.Fatalf("expected rejected edge to be rolled back, got: %v", got)
	}
	if err := g.AddNode(&domain.SubJob{Job: domain.Job{ID: "a"}}, "e"); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got: %v", err)
	}
}

func TestJobGraph_RemoveNodeKeepsLegacy(t *testing.T) {
	g := graphOf(t, "a", "b")
	_ = g.AddEdge("a", "b")

	if !g.RemoveNode("a") {
		t.Fatal("expected a to be removed")
	}
	if g.RemoveNode("a") {
		t.Fatal("expected second removal to report false")
	}
	if _, ok := g.Legacy("a"); !ok {
		t.Fatal("expected legacy snapshot of a")
	}
	if preds := g.Predecessors("b"); len(preds) != 0 {
		t.Fatalf("expected b to lose its predecessor, got: %v", preds)
	}
}

func TestJobGraph_SpliceRewiresEdges(t *testing.T) {
	g := graphOf(t, "p", "x", "s")
	_ = g.AddEdge("p", "x")
	_ = g.AddEdge("x", "s")

	sub := graphOf(t, "x1", "x2", "x3")
	_ = sub.AddEdge("x1", "x3")
	_ = sub.AddEdge("x2", "x3")

	if err := g.Splice("x", sub); err != nil {
		t.Fatalf("splice: %v", err)
	}
	if g.Has("x") {
		t.Fatal("expected x to be replaced")
	}
	if got := g.Successors("p"); len(got) != 2 {
		t.Fatalf("expected p to feed both sources, got: %v", got)
	}
	if got := g.Predecessors("s"); len(got) != 1 || got[0] != "x3" {
		t.Fatalf("expected s to depend on the sink x3, got: %v", got)
	}
	if !g.Acyclic() {
		t.Fatal("expected acyclic graph after splice")
	}
	if _, ok := g.Legacy("x"); !ok {
		t.Fatal("expected legacy snapshot of x")
	}

	clash := graphOf(t, "p")
	if err := g.Splice("s", clash); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got: %v", err)
	}
	if !g.Has("s") {
		t.Fatal("expected rejected splice to leave the graph unchanged")
	}
}

func TestJobGraph_MergeOverwritesOnlySuppliedProperties(t *testing.T) {
	g := graphOf(t, "a", "b")
	g.SetResult("a", domain.JobResult{Status: domain.JobFinished, Result: ok("kept")})

	other := NewJobGraph("root")
	job := domain.SubJob{Job: domain.Job{ID: "a", Goal: "renamed"}}
	_ = other.AddNode(&job, "")
	c := domain.SubJob{Job: domain.Job{ID: "c"}}
	_ = other.AddNode(&c, "f")
	_ = other.AddEdge("a", "c")

	if err := g.Merge(other); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 nodes, got: %d", g.Len())
	}
	if got := g.Expert("a"); got != "e" {
		t.Fatalf("expected expert to be kept, got: %q", got)
	}
	if res, has := g.Result("a"); !has || res.Result.Scratchpad != "kept" {
		t.Fatalf("expected result to be kept, got: %+v", res)
	}
	if job, _ := g.Node("a"); job.Goal != "renamed" {
		t.Fatalf("expected goal to be overwritten, got: %q", job.Goal)
	}
	if got := g.Successors("a"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("expected merged edge, got: %v", got)
	}
}

func TestJobGraph_SnapshotRoundTrip(t *testing.T) {
	g := graphOf(t, "a", "b")
	_ = g.AddEdge("a", "b")
	g.SetResult("a", domain.JobResult{Status: domain.JobFinished, Result: ok("out")})
	g.RemoveNode("b")

	data, err := json.Marshal(g.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored, err := RestoreJobGraph(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Len() != 1 || !restored.Has("a") {
		t.Fatalf("unexpected nodes: %v", restored.Nodes())
	}
	if res, has := restored.Result("a"); !has || res.Result.Scratchpad != "out" {
		t.Fatalf("expected result to survive, got: %+v", res)
	}
	if _, ok := restored.Legacy("b"); !ok {
		t.Fatal("expected legacy to survive")
	}
}

// --- scheduling ---

const diamondPlan = `{"subtasks": [
 {"id": "J1", "goal": "echo", "dependencies": [], "assigned_expert": "echo"},
 {"id": "J2", "goal": "double", "dependencies": ["J1"], "assigned_expert": "double"},
 {"id": "J3", "goal": "add ten", "dependencies": ["J1"], "assigned_expert": "add10"},
 {"id": "J4", "goal": "sum", "dependencies": ["J3"], "assigned_expert": "sum"},
 {"id": "J5", "goal": "concat", "dependencies": ["J2", "J3"], "assigned_expert": "concat"}
]}`

func arithmeticExperts(t *testing.T, calls *atomic.Int32) []*Expert {
	mapEach := func(f func(int) int) expertFunc {
		return func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
			ns := numbers(t, upstream(job)[0])
			for i := range ns {
				ns[i] = f(ns[i])
			}
			return ok(joinInts(ns)), nil
		}
	}
	return []*Expert{
		funcExpert(t, "echo", calls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
			return ok("1 2 3 4 5"), nil
		}),
		funcExpert(t, "double", calls, mapEach(func(n int) int { return n * 2 })),
		funcExpert(t, "add10", calls, mapEach(func(n int) int { return n + 10 })),
		funcExpert(t, "sum", calls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
			total := 0
			for _, n := range numbers(t, upstream(job)[0]) {
				total += n
			}
			return ok(strconv.Itoa(total)), nil
		}),
		funcExpert(t, "concat", calls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
			return ok("Final Result: " + strings.Join(upstream(job), " | ")), nil
		}),
	}
}

func TestExecuteJobGraph_TerminalCollection(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var calls atomic.Int32
	experts := arithmeticExperts(t, &calls)
	registry, err := NewMemoryRegistry(experts...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	leader := NewLeader(registry, decomposer(t, func(domain.SubJob) string { return diamondPlan }), nil, DefaultConfig(),
		WithLogger(discardLogger()), WithMetrics(metrics))

	ctx := context.Background()
	g, err := leader.Decompose(ctx, rootJob("compute"), DefaultConfig().LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(ctx, g)

	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s (%+v)", res.Status, res.Result)
	}
	j4, _ := g.Result(nodeByGoal(t, g, "sum"))
	if j4.Result.Scratchpad != "65" {
		t.Fatalf("expected J4 = 65, got: %q", j4.Result.Scratchpad)
	}
	j5, _ := g.Result(nodeByGoal(t, g, "concat"))
	out := j5.Result.Scratchpad
	if !strings.HasPrefix(out, "Final Result") {
		t.Fatalf("expected J5 to start with Final Result, got: %q", out)
	}
	for _, want := range []string{"2 4 6 8 10", "11 12 13 14 15"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected J5 to contain %q, got: %q", want, out)
		}
	}
	if !strings.Contains(res.Result.Scratchpad, "65") || !strings.Contains(res.Result.Scratchpad, "Final Result") {
		t.Fatalf("expected root result to collect both sinks, got: %q", res.Result.Scratchpad)
	}

	if calls.Load() != 5 {
		t.Fatalf("expected 5 dispatches, got: %d", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.DispatchesTotal); got != 5 {
		t.Fatalf("expected dispatches metric 5, got: %v", got)
	}
	if got := testutil.ToFloat64(metrics.SubJobsTotal.WithLabelValues(string(domain.VerdictSuccess))); got != 5 {
		t.Fatalf("expected 5 successful subjobs, got: %v", got)
	}

	for _, id := range g.Nodes() {
		r, has := g.Result(id)
		if !has || r.Status != domain.JobFinished || r.Result.Status != domain.VerdictSuccess {
			t.Fatalf("expected %s FINISHED with SUCCESS, got: %+v", id, r)
		}
	}
}

func TestExecuteJobGraph_RetriesExecutionErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := funcExpert(t, "flaky", &calls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
		if job.RetryCount < 2 {
			return domain.WorkflowMessage{Status: domain.VerdictExecutionError, Lesson: fmt.Sprintf("attempt %d broke", job.RetryCount)}, nil
		}
		return ok("fixed after " + job.Lesson), nil
	})
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "work", "assigned_expert": "flaky"}]`
	}, flaky)

	g, err := leader.Decompose(context.Background(), rootJob("r"), 5)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)
	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s", res.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 dispatches, got: %d", calls.Load())
	}
	if res.Result.Scratchpad != "fixed after attempt 1 broke" {
		t.Fatalf("expected lesson to reach the retry, got: %q", res.Result.Scratchpad)
	}
}

func TestExecuteJobGraph_FailureStopsDescendants(t *testing.T) {
	var brokenCalls, afterCalls atomic.Int32
	broken := funcExpert(t, "broken", &brokenCalls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{Scratchpad: "partial", Status: domain.VerdictExecutionError, Lesson: "disk full"}, nil
	})
	after := funcExpert(t, "after", &afterCalls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return ok("unreachable"), nil
	})
	cfg := Config{MaxParallel: 4, RetryCap: 2, LifeCap: 3}
	leader := newLeader(t, cfg, func(domain.SubJob) string {
		return `[{"id": "a", "goal": "break", "assigned_expert": "broken"}, {"id": "b", "goal": "next", "dependencies": ["a"], "assigned_expert": "after"}]`
	}, broken, after)

	g, err := leader.Decompose(context.Background(), rootJob("r"), cfg.LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got: %s", res.Status)
	}
	if got := int(brokenCalls.Load()); got != cfg.RetryCap+1 || got > cfg.dispatchBudget() {
		t.Fatalf("expected %d dispatches within budget %d, got: %d", cfg.RetryCap+1, cfg.dispatchBudget(), got)
	}
	if afterCalls.Load() != 0 {
		t.Fatalf("expected descendant never to run, got %d dispatches", afterCalls.Load())
	}
	next, _ := g.Result(nodeByGoal(t, g, "next"))
	if next.Status != domain.JobStopped {
		t.Fatalf("expected descendant STOPPED, got: %s", next.Status)
	}
	if !strings.Contains(res.Result.Scratchpad, "partial") || !strings.Contains(res.Result.Scratchpad, "disk full") {
		t.Fatalf("expected failing scratchpad and lesson, got: %q", res.Result.Scratchpad)
	}
}

func TestExecuteJobGraph_WorkflowErrorIsExecutionError(t *testing.T) {
	var calls atomic.Int32
	failing := funcExpert(t, "failing", &calls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{}, errors.New("model unreachable")
	})
	leader := newLeader(t, Config{RetryCap: 1}, func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x", "assigned_expert": "failing"}]`
	}, failing)

	g, _ := leader.Decompose(context.Background(), rootJob("r"), 0)
	res := leader.ExecuteJobGraph(context.Background(), g)
	if res.Status != domain.JobFailed || calls.Load() != 2 {
		t.Fatalf("expected FAILED after 2 dispatches, got: %s after %d", res.Status, calls.Load())
	}
	if res.Result.Status != domain.VerdictExecutionError || !strings.Contains(res.Result.Lesson, "model unreachable") {
		t.Fatalf("unexpected failure message: %+v", res.Result)
	}
}

func TestExecuteJobGraph_PropagatesLessonUpstream(t *testing.T) {
	var produceCalls, consumeCalls atomic.Int32
	var mu sync.Mutex
	var lessons []string

	produce := funcExpert(t, "produce", &produceCalls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
		mu.Lock()
		lessons = append(lessons, job.Lesson)
		mu.Unlock()
		if job.Lesson != "" {
			return ok("numbers 1 2 3"), nil
		}
		return ok("some words"), nil
	})
	consume := funcExpert(t, "consume", &consumeCalls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
		in := upstream(job)[0]
		if !strings.HasPrefix(in, "numbers") {
			return domain.WorkflowMessage{Status: domain.VerdictInputDataError, Lesson: "need numbers"}, nil
		}
		return ok("consumed " + in), nil
	})
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "p", "goal": "produce", "assigned_expert": "produce"}, {"id": "c", "goal": "consume", "dependencies": ["p"], "assigned_expert": "consume"}]`
	}, produce, consume)

	g, err := leader.Decompose(context.Background(), rootJob("r"), 5)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s (%+v)", res.Status, res.Result)
	}
	if res.Result.Scratchpad != "consumed numbers 1 2 3" {
		t.Fatalf("unexpected result: %q", res.Result.Scratchpad)
	}
	if produceCalls.Load() != 2 || consumeCalls.Load() != 2 {
		t.Fatalf("expected 2 dispatches each, got produce=%d consume=%d", produceCalls.Load(), consumeCalls.Load())
	}
	if len(lessons) != 2 || lessons[0] != "" || lessons[1] != "need numbers" {
		t.Fatalf("expected lesson on the second run, got: %q", lessons)
	}
}

func TestExecuteJobGraph_InputErrorOnSourceIsRetried(t *testing.T) {
	var calls atomic.Int32
	src := funcExpert(t, "src", &calls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{Status: domain.VerdictInputDataError, Lesson: "bad input"}, nil
	})
	leader := newLeader(t, Config{RetryCap: 1}, func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x", "assigned_expert": "src"}]`
	}, src)

	g, _ := leader.Decompose(context.Background(), rootJob("r"), 0)
	res := leader.ExecuteJobGraph(context.Background(), g)
	if res.Status != domain.JobFailed || calls.Load() != 2 {
		t.Fatalf("expected FAILED after 2 dispatches, got: %s after %d", res.Status, calls.Load())
	}
}

func TestExecuteJobGraph_RedecomposesComplicatedJobs(t *testing.T) {
	var calls atomic.Int32
	worker := funcExpert(t, "worker", &calls, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
		if job.Goal == "hard" {
			return domain.WorkflowMessage{Status: domain.VerdictTooComplicated}, nil
		}
		if len(job.ContextMessages) > 0 {
			return ok(job.Goal + " after " + strings.Join(upstream(job), ",")), nil
		}
		return ok("did " + job.Goal), nil
	})
	plan := func(job domain.SubJob) string {
		if job.Goal == "hard" {
			return `[{"id": "1", "goal": "part a", "assigned_expert": "worker"}, {"id": "2", "goal": "part b", "dependencies": ["1"], "assigned_expert": "worker"}]`
		}
		return `[{"id": "h", "goal": "hard", "assigned_expert": "worker"}, {"id": "f", "goal": "follow", "dependencies": ["h"], "assigned_expert": "worker"}]`
	}
	cfg := DefaultConfig()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	registry, _ := NewMemoryRegistry(worker)
	leader := NewLeader(registry, decomposer(t, plan), nil, cfg, WithLogger(discardLogger()), WithMetrics(metrics))

	g, err := leader.Decompose(context.Background(), rootJob("root"), cfg.LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	hardID := nodeByGoal(t, g, "hard")
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s (%+v)", res.Status, res.Result)
	}
	if g.Has(hardID) {
		t.Fatal("expected the complicated job to be replaced")
	}
	if legacy, ok := g.Legacy(hardID); !ok || legacy.Goal != "hard" {
		t.Fatalf("expected legacy snapshot, got: %+v", legacy)
	}
	partA, _ := g.Node(nodeByGoal(t, g, "part a"))
	if partA.Life != cfg.LifeCap-1 {
		t.Fatalf("expected child life %d, got: %d", cfg.LifeCap-1, partA.Life)
	}
	follow, _ := g.Result(nodeByGoal(t, g, "follow"))
	if follow.Result.Scratchpad != "follow after part b after did part a" {
		t.Fatalf("expected successor to be fed by the new sink, got: %q", follow.Result.Scratchpad)
	}
	if !g.Acyclic() {
		t.Fatal("expected acyclic graph")
	}
	if got := testutil.ToFloat64(metrics.RewritesTotal.WithLabelValues("redecompose")); got != 1 {
		t.Fatalf("expected one rewrite, got: %v", got)
	}
}

func TestExecuteJobGraph_RedecompositionDoesNotBlockDispatch(t *testing.T) {
	followDone := make(chan struct{})
	var once sync.Once
	worker := funcExpert(t, "worker", nil, func(_ context.Context, job domain.SubJob) (domain.WorkflowMessage, error) {
		switch job.Goal {
		case "hard":
			return domain.WorkflowMessage{Status: domain.VerdictTooComplicated}, nil
		case "second":
			once.Do(func() { close(followDone) })
		}
		return ok("did " + job.Goal), nil
	})
	var blocked atomic.Bool
	plan := func(job domain.SubJob) string {
		if job.Goal == "hard" {
			// The unrelated chain must finish while this decomposition is pending.
			select {
			case <-followDone:
			case <-time.After(2 * time.Second):
				blocked.Store(true)
			}
			return `[{"id": "1", "goal": "part", "assigned_expert": "worker"}]`
		}
		return `[{"id": "h", "goal": "hard", "assigned_expert": "worker"}, {"id": "a", "goal": "first", "assigned_expert": "worker"}, {"id": "b", "goal": "second", "dependencies": ["a"], "assigned_expert": "worker"}]`
	}
	leader := newLeader(t, DefaultConfig(), plan, worker)

	g, err := leader.Decompose(context.Background(), rootJob("root"), DefaultConfig().LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s (%+v)", res.Status, res.Result)
	}
	if blocked.Load() {
		t.Fatal("expected ready subjobs to be dispatched while a decomposition was running")
	}
	if _, ok := g.Result(nodeByGoal(t, g, "part")); !ok {
		t.Fatal("expected the spliced subjob to run")
	}
}

func TestExecuteJobGraph_DispatchBudgetCapsBlame(t *testing.T) {
	var produceCalls atomic.Int32
	produce := funcExpert(t, "produce", &produceCalls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return ok("words"), nil
	})
	blame := funcExpert(t, "blame", nil, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{Status: domain.VerdictInputDataError, Lesson: "need numbers"}, nil
	})
	cfg := Config{MaxParallel: 1, RetryCap: 2, LifeCap: 0}
	leader := newLeader(t, cfg, func(domain.SubJob) string {
		return `[{"id": "p", "goal": "produce", "assigned_expert": "produce"}, {"id": "l", "goal": "left", "dependencies": ["p"], "assigned_expert": "blame"}, {"id": "r", "goal": "right", "dependencies": ["p"], "assigned_expert": "blame"}]`
	}, produce, blame)

	g, err := leader.Decompose(context.Background(), rootJob("root"), cfg.LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got: %s", res.Status)
	}
	if got := int(produceCalls.Load()); got > cfg.dispatchBudget() {
		t.Fatalf("expected at most %d dispatches of the predecessor, got: %d", cfg.dispatchBudget(), got)
	}
	left, _ := g.Result(nodeByGoal(t, g, "left"))
	if left.Status != domain.JobFailed {
		t.Fatalf("expected left FAILED on its retry cap, got: %s", left.Status)
	}
	right, _ := g.Result(nodeByGoal(t, g, "right"))
	if right.Status != domain.JobFailed {
		t.Fatalf("expected right FAILED, got: %s", right.Status)
	}
	if !strings.Contains(right.Result.Lesson, ErrDispatchBudget.Error()) {
		t.Fatalf("expected dispatch budget lesson, got: %q", right.Result.Lesson)
	}
}

func TestExecuteJobGraph_LifeExhaustion(t *testing.T) {
	var calls atomic.Int32
	worker := funcExpert(t, "worker", &calls, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		return domain.WorkflowMessage{Status: domain.VerdictTooComplicated, Lesson: "still too big"}, nil
	})
	cfg := Config{MaxParallel: 2, RetryCap: 3, LifeCap: 2}
	leader := newLeader(t, cfg, func(domain.SubJob) string {
		return `[{"id": "h", "goal": "hard", "assigned_expert": "worker"}]`
	}, worker)

	g, err := leader.Decompose(context.Background(), rootJob("root"), cfg.LifeCap)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	res := leader.ExecuteJobGraph(context.Background(), g)

	if res.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got: %s", res.Status)
	}
	if got := int(calls.Load()); got != cfg.LifeCap+1 {
		t.Fatalf("expected %d dispatches, got: %d", cfg.LifeCap+1, got)
	}
	if !g.Acyclic() || g.Len() != 1 {
		t.Fatalf("expected a single acyclic node left, got: %d nodes", g.Len())
	}
}

func TestExecuteJobGraph_RespectsMaxParallel(t *testing.T) {
	var active, peak atomic.Int32
	slow := funcExpert(t, "slow", nil, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return ok("done"), nil
	})
	var plan []string
	for i := 0; i < 6; i++ {
		plan = append(plan, fmt.Sprintf(`{"id": "%d", "goal": "g%d", "assigned_expert": "slow"}`, i, i))
	}
	leader := newLeader(t, Config{MaxParallel: 2}, func(domain.SubJob) string {
		return "[" + strings.Join(plan, ",") + "]"
	}, slow)

	g, _ := leader.Decompose(context.Background(), rootJob("r"), 0)
	res := leader.ExecuteJobGraph(context.Background(), g)
	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s", res.Status)
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Fatalf("expected at most 2 concurrent subjobs, got: %d", p)
	}
}

func TestDecompose_UnknownExpert(t *testing.T) {
	echo := funcExpert(t, "echo", nil, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) { return ok(""), nil })
	other := funcExpert(t, "other", nil, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) { return ok(""), nil })
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x", "assigned_expert": "ghost"}]`
	}, echo, other)

	if _, err := leader.Decompose(context.Background(), rootJob("r"), 5); !errors.Is(err, ErrUnknownExpert) {
		t.Fatalf("expected ErrUnknownExpert, got: %v", err)
	}

	unassigned := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x"}]`
	}, echo, other)
	if _, err := unassigned.Decompose(context.Background(), rootJob("r"), 5); !errors.Is(err, ErrUnknownExpert) {
		t.Fatalf("expected ErrUnknownExpert for unassigned subtask, got: %v", err)
	}
}

func TestDecompose_SingleExpertIsDefault(t *testing.T) {
	echo := funcExpert(t, "echo", nil, func(context.Context, domain.SubJob) (domain.WorkflowMessage, error) { return ok(""), nil })
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x"}]`
	}, echo)

	g, err := leader.Decompose(context.Background(), rootJob("r"), 5)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if got := g.Expert(g.Nodes()[0]); got != "echo" {
		t.Fatalf("expected echo, got: %q", got)
	}
}

// --- engine ---

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	results  map[string]domain.JobResult
	graphs   map[string][]byte
	messages map[string][]domain.MessageView
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]domain.Job),
		results:  make(map[string]domain.JobResult),
		graphs:   make(map[string][]byte),
		messages: make(map[string][]domain.MessageView),
	}
}

func (s *memStore) SaveJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) UpdateJobResult(_ context.Context, res domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.JobID] = res
	return nil
}

func (s *memStore) GetJobResult(_ context.Context, id string) (*domain.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &res, nil
}

func (s *memStore) SaveJobGraph(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[id] = data
	return nil
}

func (s *memStore) GetJobGraph(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.graphs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *memStore) SaveMessage(_ context.Context, m domain.MessageView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.JobID] = append(s.messages[m.JobID], m)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, id string) ([]domain.MessageView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MessageView(nil), s.messages[id]...), nil
}

func TestEngine_SubmitAndQuery(t *testing.T) {
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string { return diamondPlan }, arithmeticExperts(t, nil)...)
	store := newMemStore()
	hub := NewEventHub()
	leader.events = hub
	engine := NewEngine(leader, WithStore(store), WithEngineLogger(discardLogger()))

	events, unsubscribe := hub.Subscribe("", 256)
	defer unsubscribe()

	id, err := engine.Submit(context.Background(), domain.ChatMessage{SessionID: "s1", Content: "compute things"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.Wait()

	res, err := engine.QueryResult(context.Background(), id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != domain.JobFinished {
		t.Fatalf("expected FINISHED, got: %s", res.Status)
	}

	views, err := engine.ConversationView(context.Background(), id)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(views) < 2 || views[0].Role != domain.ViewUser || views[len(views)-1].Role != domain.ViewAssistant {
		t.Fatalf("expected user question first and answer last, got: %+v", views)
	}
	if views[0].Content != "compute things" {
		t.Fatalf("unexpected question: %q", views[0].Content)
	}

	snap, err := engine.Graph(context.Background(), id)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if len(snap.Nodes) != 5 {
		t.Fatalf("expected 5 nodes, got: %d", len(snap.Nodes))
	}

	if stored, _ := store.GetJobResult(context.Background(), id); stored == nil || stored.Status != domain.JobFinished {
		t.Fatalf("expected persisted FINISHED result, got: %+v", stored)
	}
	if _, ok := store.graphs[id]; !ok {
		t.Fatal("expected persisted graph snapshot")
	}

	var sawDone bool
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventJobDone && ev.JobID == id {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected job_done event")
	}

	// Released jobs are served from the store; unknown ids are ignored.
	engine.Release(id)
	engine.Release("unknown")
	res, err = engine.QueryResult(context.Background(), id)
	if err != nil || res.Status != domain.JobFinished {
		t.Fatalf("expected stored result after release, got: %+v %v", res, err)
	}
	views, err = engine.ConversationView(context.Background(), id)
	if err != nil || len(views) == 0 {
		t.Fatalf("expected stored conversation after release, got: %d %v", len(views), err)
	}
	if _, err := engine.Graph(context.Background(), id); err != nil {
		t.Fatalf("expected stored graph after release, got: %v", err)
	}
}

func TestEngine_ReleaseHook(t *testing.T) {
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string { return diamondPlan }, arithmeticExperts(t, nil)...)
	var mu sync.Mutex
	released := make(map[string]bool)
	engine := NewEngine(leader, WithReleaseHook(func(id string) {
		mu.Lock()
		released[id] = true
		mu.Unlock()
	}))

	id, err := engine.Submit(context.Background(), domain.ChatMessage{Content: "compute things"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.Wait()
	snap, err := engine.Graph(context.Background(), id)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	engine.Release(id)
	mu.Lock()
	defer mu.Unlock()
	if !released[id] {
		t.Fatal("expected hook to run for the root job")
	}
	for _, n := range snap.Nodes {
		if !released[n.Job.ID] {
			t.Fatalf("expected hook to run for sub-job %s", n.Job.ID)
		}
	}
}

func TestEngine_UnknownJob(t *testing.T) {
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string { return "[]" })
	engine := NewEngine(leader)

	if _, err := engine.QueryResult(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if _, err := engine.ConversationView(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if err := engine.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if _, err := engine.Submit(context.Background(), domain.ChatMessage{Content: "  "}); err == nil {
		t.Fatal("expected empty content to be rejected")
	}
}

func TestEngine_DecompositionFailure(t *testing.T) {
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "x", "assigned_expert": "ghost"}]`
	}, funcExpert(t, "a", nil, nil), funcExpert(t, "b", nil, nil))
	engine := NewEngine(leader)

	id, err := engine.Submit(context.Background(), domain.ChatMessage{Content: "do it"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	engine.Wait()

	res, _ := engine.QueryResult(context.Background(), id)
	if res.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got: %s", res.Status)
	}
	if !strings.Contains(res.Result.Lesson, "unknown expert") {
		t.Fatalf("expected unknown expert lesson, got: %q", res.Result.Lesson)
	}
}

func TestEngine_Cancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocker := funcExpert(t, "blocker", nil, func(ctx context.Context, _ domain.SubJob) (domain.WorkflowMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return domain.WorkflowMessage{}, ctx.Err()
	})
	leader := newLeader(t, DefaultConfig(), func(domain.SubJob) string {
		return `[{"id": "a", "goal": "wait", "assigned_expert": "blocker"}, {"id": "b", "goal": "later", "dependencies": ["a"], "assigned_expert": "blocker"}]`
	}, blocker)
	engine := NewEngine(leader)

	id, err := engine.Submit(context.Background(), domain.ChatMessage{Content: "block"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expert never started")
	}
	if err := engine.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	engine.Wait()

	res, _ := engine.QueryResult(context.Background(), id)
	if res.Status != domain.JobStopped {
		t.Fatalf("expected STOPPED, got: %s", res.Status)
	}
	snap, _ := engine.Graph(context.Background(), id)
	for _, n := range snap.Nodes {
		if n.Job.Status != domain.JobStopped {
			t.Fatalf("expected every node STOPPED, got %s for %s", n.Job.Status, n.Job.Goal)
		}
	}
	if err := engine.Cancel(context.Background(), id); err != nil {
		t.Fatalf("expected cancelling a finished job to be a no-op, got: %v", err)
	}
}

func TestLeaderState_ReleaseIsIdempotent(t *testing.T) {
	s := NewLeaderState()
	s.put(&jobState{job: domain.Job{ID: "a"}, cancel: func() {}})
	s.Release("a")
	s.Release("a")
	s.Release("never")
	if s.Len() != 0 {
		t.Fatalf("expected empty state, got: %d", s.Len())
	}
}

// --- events and registry ---

func TestEventHub_FilterAndDrop(t *testing.T) {
	hub := NewEventHub()
	onlyA, unsubA := hub.Subscribe("a", 1)
	all, unsubAll := hub.Subscribe("", 10)
	defer unsubAll()

	hub.Publish(Event{JobID: "a", Kind: EventDispatched})
	hub.Publish(Event{JobID: "b", Kind: EventDispatched})
	hub.Publish(Event{JobID: "a", Kind: EventFinished})

	if len(onlyA) != 1 {
		t.Fatalf("expected one buffered event for a, got: %d", len(onlyA))
	}
	if ev := <-onlyA; ev.Kind != EventDispatched || ev.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events for the wildcard subscriber, got: %d", len(all))
	}

	unsubA()
	unsubA()
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got: %d", hub.Subscribers())
	}
	if _, open := <-onlyA; open {
		t.Fatal("expected channel to be closed")
	}

	var nilHub *EventHub
	nilHub.Publish(Event{JobID: "x"})
}

func TestMemoryRegistry(t *testing.T) {
	reg, err := NewMemoryRegistry(&Expert{Name: "b"}, &Expert{ID: "x", Name: "a"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if e, err := reg.GetByID("x"); err != nil || e.Name != "a" {
		t.Fatalf("expected a by id, got: %v %v", e, err)
	}
	if e, err := reg.GetByID("b"); err != nil || e.Name != "b" {
		t.Fatalf("expected id to default to name, got: %v %v", e, err)
	}
	if _, err := reg.GetByName("zz"); !errors.Is(err, ErrUnknownExpert) {
		t.Fatalf("expected ErrUnknownExpert, got: %v", err)
	}
	if err := reg.Register(&Expert{Name: "a"}); !errors.Is(err, ErrDuplicateExpert) {
		t.Fatalf("expected ErrDuplicateExpert, got: %v", err)
	}
	list := reg.List()
	if len(list) != 2 || list[0].Name != "a" {
		t.Fatalf("expected sorted list, got: %v", list)
	}
}
