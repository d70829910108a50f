package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/orchestrator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJobs struct {
	mu      sync.Mutex
	hub     *orchestrator.EventHub
	results map[string]*domain.JobResult
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{hub: orchestrator.NewEventHub(), results: make(map[string]*domain.JobResult)}
}

func (f *fakeJobs) Submit(_ context.Context, msg domain.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("job-%d", len(f.results)+1)
	f.results[id] = &domain.JobResult{JobID: id, Status: domain.JobCreated}
	return id, nil
}

func (f *fakeJobs) QueryResult(_ context.Context, id string) (*domain.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	cp := *res
	return &cp, nil
}

func (f *fakeJobs) ConversationView(context.Context, string) ([]domain.MessageView, error) {
	return nil, nil
}

func (f *fakeJobs) Graph(_ context.Context, id string) (*orchestrator.GraphSnapshot, error) {
	return &orchestrator.GraphSnapshot{RootID: id}, nil
}

func (f *fakeJobs) Cancel(context.Context, string) error { return nil }

func (f *fakeJobs) Release(string) {}

func (f *fakeJobs) Events() *orchestrator.EventHub { return f.hub }

func dialEvents(t *testing.T, srv *httptest.Server, jobID string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/" + jobID + "/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) orchestrator.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev orchestrator.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestHandleEvents_StreamsUntilJobDone(t *testing.T) {
	jobs := newFakeJobs()
	jobs.results["j1"] = &domain.JobResult{JobID: "j1", Status: domain.JobRunning}
	g := NewGateway(Config{}, jobs, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(g.handleEvents))
	defer srv.Close()

	conn, ctx := dialEvents(t, srv, "j1")

	// The handler subscribes before accepting, so the hub is ready once Dial returns.
	jobs.hub.Publish(orchestrator.Event{JobID: "other", Kind: orchestrator.EventDispatched})
	jobs.hub.Publish(orchestrator.Event{JobID: "j1", SubJobID: "s1", Kind: orchestrator.EventDispatched})
	jobs.hub.Publish(orchestrator.Event{JobID: "j1", Kind: orchestrator.EventJobDone, Status: domain.JobFinished})

	first := readEvent(t, ctx, conn)
	if first.Kind != orchestrator.EventDispatched || first.SubJobID != "s1" {
		t.Fatalf("expected dispatched s1, got: %+v", first)
	}
	done := readEvent(t, ctx, conn)
	if done.Kind != orchestrator.EventJobDone || done.Status != domain.JobFinished {
		t.Fatalf("expected job_done FINISHED, got: %+v", done)
	}

	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got: %v", err)
	}
}

func TestHandleEvents_FinishedJobSendsDoneImmediately(t *testing.T) {
	jobs := newFakeJobs()
	jobs.results["j2"] = &domain.JobResult{
		JobID:  "j2",
		Status: domain.JobFailed,
		Result: domain.WorkflowMessage{Scratchpad: "no expert could handle it"},
	}
	g := NewGateway(Config{}, jobs, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(g.handleEvents))
	defer srv.Close()

	conn, ctx := dialEvents(t, srv, "j2")
	ev := readEvent(t, ctx, conn)
	if ev.Kind != orchestrator.EventJobDone || ev.Status != domain.JobFailed || ev.Message == "" {
		t.Fatalf("expected failed job_done with message, got: %+v", ev)
	}
}

func TestHandleEvents_UnknownJob(t *testing.T) {
	g := NewGateway(Config{}, newFakeJobs(), discardLogger())
	rec := httptest.NewRecorder()
	g.handleEvents(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got: %d", rec.Code)
	}
	if g.jobs.Events().Subscribers() != 0 {
		t.Fatal("expected subscription released")
	}
}

func TestEventsJobID(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs/abc/events":  "abc",
		"/v1/jobs/abc/events/": "abc",
		"/v1/jobs//events":     "",
		"/v1/jobs/a/b/events":  "",
		"/v1/jobs/abc":         "",
		"/healthz":             "",
	}
	for path, want := range cases {
		if got := eventsJobID(path); got != want {
			t.Errorf("eventsJobID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := clientKey(r); got != "10.0.0.7" {
		t.Fatalf("expected remote host, got: %s", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientKey(r); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got: %s", got)
	}
}

func TestToJobResponse(t *testing.T) {
	resp := toJobResponse(&domain.JobResult{
		JobID:    "j1",
		Status:   domain.JobFinished,
		Result:   domain.WorkflowMessage{Scratchpad: "42", Status: domain.VerdictSuccess},
		Duration: 1500 * time.Millisecond,
		Tokens:   321,
	})
	if resp.Answer != "42" || resp.Status != "FINISHED" || resp.DurationMs != 1500 || resp.Tokens != 321 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Verdict != string(domain.VerdictSuccess) {
		t.Fatalf("expected verdict, got: %s", resp.Verdict)
	}
}
