package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/orchestrator"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents upgrades GET /v1/jobs/{id}/events to a WebSocket and pushes
// the job's scheduler events as JSON text frames. The connection is closed
// normally after the root job_done event.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := eventsJobID(r.URL.Path)
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}
	hub := g.jobs.Events()
	if hub == nil {
		http.Error(w, "event streaming disabled", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before reading the status so a job finishing in between
	// still produces its job_done event.
	events, unsubscribe := hub.Subscribe(id, 0)
	defer unsubscribe()

	res, err := g.jobs.QueryResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	if res.Status.Terminal() {
		if err := writeEvent(ctx, conn, doneEvent(res)); err == nil {
			conn.Close(websocket.StatusNormalClosure, "job done")
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				g.logger.Debug("event stream closed",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
			if ev.Kind == orchestrator.EventJobDone && ev.SubJobID == "" {
				conn.Close(websocket.StatusNormalClosure, "job done")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// eventsJobID extracts {id} from /v1/jobs/{id}/events.
func eventsJobID(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/jobs/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(strings.TrimSuffix(rest, "/"), "/events")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
