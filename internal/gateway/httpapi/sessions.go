package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/okapi"
)

const defaultListLimit = 50

// SessionResponse is one entry of GET /v1/sessions.
type SessionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileResponse describes an uploaded file. Content is not served here.
type FileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogEntry is a registered knowledge base or graph database.
type CatalogEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Database    string    `json:"database,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CatalogResponse is the JSON response for GET /v1/catalog.
type CatalogResponse struct {
	KnowledgeBases []CatalogEntry `json:"knowledge_bases"`
	GraphDBs       []CatalogEntry `json:"graph_dbs"`
}

// TriggerResponse is one entry of GET /v1/triggers.
type TriggerResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Goal           string     `json:"goal"`
	SessionID      string     `json:"session_id,omitempty"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastJobID      string     `json:"last_job_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

func (g *Gateway) handleSessions(c *okapi.Context) error {
	sessions, err := g.store.ListSessions(c.Context(), listLimit(c))
	if err != nil {
		return g.storeError(c, "listing sessions", err)
	}
	resp := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = SessionResponse{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionJobs(c *okapi.Context) error {
	jobs, err := g.store.ListJobs(c.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		return g.storeError(c, "listing jobs", err)
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return c.OK(jobs)
}

func (g *Gateway) handleSessionFiles(c *okapi.Context) error {
	files, err := g.store.ListFiles(c.Context(), c.Param("id"))
	if err != nil {
		return g.storeError(c, "listing files", err)
	}
	resp := make([]FileResponse, len(files))
	for i, f := range files {
		resp[i] = FileResponse{ID: f.ID, Name: f.Name, MimeType: f.MimeType, SizeBytes: f.SizeBytes, CreatedAt: f.CreatedAt}
	}
	return c.OK(resp)
}

func (g *Gateway) handleCatalog(c *okapi.Context) error {
	kbs, err := g.store.ListKnowledgeBases(c.Context())
	if err != nil {
		return g.storeError(c, "listing knowledge bases", err)
	}
	dbs, err := g.store.ListGraphDBs(c.Context())
	if err != nil {
		return g.storeError(c, "listing graph databases", err)
	}

	resp := CatalogResponse{
		KnowledgeBases: make([]CatalogEntry, len(kbs)),
		GraphDBs:       make([]CatalogEntry, len(dbs)),
	}
	for i, kb := range kbs {
		resp.KnowledgeBases[i] = CatalogEntry{ID: kb.ID, Name: kb.Name, Description: kb.Description, CreatedAt: kb.CreatedAt}
	}
	for i, db := range dbs {
		resp.GraphDBs[i] = CatalogEntry{ID: db.ID, Name: db.Name, Endpoint: db.Endpoint, Database: db.Database, CreatedAt: db.CreatedAt}
	}
	return c.OK(resp)
}

func (g *Gateway) handleTriggerList(c *okapi.Context) error {
	triggers, err := g.triggers.List(c.Context())
	if err != nil {
		return g.storeError(c, "listing triggers", err)
	}
	resp := make([]TriggerResponse, len(triggers))
	for i, t := range triggers {
		resp[i] = TriggerResponse{
			ID:             t.ID,
			Name:           t.Name,
			CronExpression: t.CronExpression,
			Goal:           t.Goal,
			SessionID:      t.SessionID,
			Enabled:        t.Enabled,
			NextRunAt:      t.NextRunAt,
			LastRunAt:      t.LastRunAt,
			LastJobID:      t.LastJobID,
			LastError:      t.LastError,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleTriggerRun(c *okapi.Context) error {
	name := c.Param("name")
	jobID, err := g.triggers.RunNow(c.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "trigger not found"})
		}
		return g.storeError(c, "running trigger", err)
	}
	g.logger.Info("trigger run manually", slog.String("name", name), slog.String("job_id", jobID))
	return c.JSON(http.StatusAccepted, SubmitResponse{JobID: jobID, Status: string(domain.JobCreated)})
}

func (g *Gateway) storeError(c *okapi.Context, op string, err error) error {
	g.logger.Error(op, slog.String("error", err.Error()))
	return c.AbortInternalServerError(op + " failed")
}

// listLimit reads ?limit=, falling back to defaultListLimit.
func listLimit(c *okapi.Context) int {
	if n, err := strconv.Atoi(c.Request().URL.Query().Get("limit")); err == nil && n > 0 {
		return min(n, 500)
	}
	return defaultListLimit
}
