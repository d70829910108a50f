package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/orchestrator"
	"github.com/jkaninda/okapi"
)

// SubmitRequest is the JSON body for POST /v1/jobs.
type SubmitRequest struct {
	SessionID    string `json:"session_id,omitempty"` // Empty = new session.
	Content      string `json:"content"`
	Context      string `json:"context,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"` // JSON schema the answer must follow.
}

// SubmitResponse is returned with HTTP 202 once a job is accepted.
type SubmitResponse struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

// JobResponse is the JSON response for GET /v1/jobs/{id}.
type JobResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Answer     string    `json:"answer,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Evaluation string    `json:"evaluation,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Tokens     int       `json:"tokens"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toJobResponse(r *domain.JobResult) JobResponse {
	return JobResponse{
		JobID:      r.JobID,
		Status:     string(r.Status),
		Answer:     r.Result.Scratchpad,
		Verdict:    string(r.Result.Status),
		Evaluation: r.Result.Evaluation,
		DurationMs: r.Duration.Milliseconds(),
		Tokens:     r.Tokens,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	if err := g.config.Limiter.Allow(clientKey(c.Request())); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.AbortBadRequest("content is required")
	}
	if req.OutputSchema != "" && !json.Valid([]byte(req.OutputSchema)) {
		return c.AbortBadRequest("output_schema must be valid JSON")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if g.store != nil {
		if _, err := g.store.EnsureSession(c.Context(), sessionID); err != nil {
			g.logger.Error("ensuring session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			return c.AbortInternalServerError("session unavailable")
		}
	}

	jobID, err := g.jobs.Submit(c.Context(), domain.ChatMessage{
		SessionID:    sessionID,
		Content:      req.Content,
		Context:      req.Context,
		OutputSchema: req.OutputSchema,
	})
	if err != nil {
		g.logger.Error("job submission failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return c.AbortInternalServerError("job submission failed")
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:     jobID,
		SessionID: sessionID,
		Status:    string(domain.JobCreated),
	})
}

func (g *Gateway) handleResult(c *okapi.Context) error {
	res, err := g.jobs.QueryResult(c.Context(), c.Param("id"))
	if err != nil {
		return g.lookupError(c, err)
	}
	return c.OK(toJobResponse(res))
}

func (g *Gateway) handleConversation(c *okapi.Context) error {
	views, err := g.jobs.ConversationView(c.Context(), c.Param("id"))
	if err != nil {
		return g.lookupError(c, err)
	}
	if views == nil {
		views = []domain.MessageView{}
	}
	return c.OK(views)
}

func (g *Gateway) handleGraph(c *okapi.Context) error {
	snap, err := g.jobs.Graph(c.Context(), c.Param("id"))
	if err != nil {
		return g.lookupError(c, err)
	}
	return c.OK(snap)
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.jobs.Cancel(c.Context(), id); err != nil {
		return g.lookupError(c, err)
	}
	return c.OK(okapi.M{"job_id": id, "status": "cancelling"})
}

// handleRelease forgets a terminal job's in-memory state. Running jobs
// must be cancelled first.
func (g *Gateway) handleRelease(c *okapi.Context) error {
	id := c.Param("id")
	res, err := g.jobs.QueryResult(c.Context(), id)
	if err != nil {
		return g.lookupError(c, err)
	}
	if !res.Status.Terminal() {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "job is still running"})
	}
	g.jobs.Release(id)
	return c.OK(okapi.M{"job_id": id, "status": "released"})
}

// handleStream relays scheduler events as server-sent events until the job
// is done or the client goes away.
func (g *Gateway) handleStream(c *okapi.Context) error {
	id := c.Param("id")
	hub := g.jobs.Events()
	if hub == nil {
		return c.AbortServiceUnavailable("event streaming disabled")
	}
	events, unsubscribe := hub.Subscribe(id, 0)
	defer unsubscribe()

	res, err := g.jobs.QueryResult(c.Context(), id)
	if err != nil {
		return g.lookupError(c, err)
	}
	if res.Status.Terminal() {
		c.SSEvent(string(orchestrator.EventJobDone), doneEvent(res))
		return nil
	}

	for {
		select {
		case <-c.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Kind), ev)
			if ev.Kind == orchestrator.EventJobDone && ev.SubJobID == "" {
				return nil
			}
		}
	}
}

// lookupError maps engine and store errors to HTTP responses.
func (g *Gateway) lookupError(c *okapi.Context, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "job not found"})
	}
	g.logger.Error("job lookup failed", slog.String("error", err.Error()))
	return c.AbortInternalServerError("lookup failed")
}

func doneEvent(res *domain.JobResult) orchestrator.Event {
	return orchestrator.Event{
		JobID:   res.JobID,
		Kind:    orchestrator.EventJobDone,
		Status:  res.Status,
		Message: res.Result.Scratchpad,
		Time:    res.UpdatedAt,
	}
}

// clientKey identifies the caller for rate limiting, preferring the first
// X-Forwarded-For hop when a proxy sets it.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
