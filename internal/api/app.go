// Package api exposes the analyzer over HTTP: session and fact queries,
// advice retrieval, live event streaming, direct record ingestion, and
// maintenance operations.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/huntlog/huntlog/internal/engine"
	"github.com/huntlog/huntlog/internal/extract"
	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

// Broker is the live-event feed the stream endpoint subscribes to.
type Broker interface {
	Subscribe(sessionID string, buf int) chan types.Event
	Unsubscribe(sessionID string, ch chan types.Event)
}

type App struct {
	store   store.Store
	engine  *engine.Engine
	broker  Broker
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewApp(st store.Store, eng *engine.Engine, broker Broker, m *metrics.Collector, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{store: st, engine: eng, broker: broker, metrics: m, logger: logger}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler(metrics.HandlerOptions{
		SessionCount: a.engine.SessionCount,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/records", a.ingestRecord)

		r.Get("/sessions", a.listSessions)
		r.Get("/sessions/{id}/events", a.sessionEvents)
		r.Get("/sessions/{id}/advice", a.sessionAdvice)
		r.Get("/sessions/{id}/stream", a.streamEvents)

		r.Get("/facts", a.listFacts)
		r.Get("/facts/{id}/advice", a.factAdvice)

		r.Get("/status", a.status)

		r.Post("/maintenance/cleanup-hosts", a.cleanupHosts)
		r.Post("/maintenance/reset", a.reset)
	})

	return r
}

// ingestRecord accepts one capture record over HTTP, for setups where
// the terminal integration posts directly instead of writing the log.
func (a *App) ingestRecord(w http.ResponseWriter, r *http.Request) {
	var rec types.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if rec.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command is required"})
		return
	}
	if err := a.engine.Submit(r.Context(), rec); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.ListSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *App) sessionEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	q.SessionID = chi.URLParam(r, "id")
	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *App) sessionAdvice(w http.ResponseWriter, r *http.Request) {
	a.writeAdvice(w, r, types.RecommendationQuery{SessionID: chi.URLParam(r, "id")})
}

func (a *App) factAdvice(w http.ResponseWriter, r *http.Request) {
	a.writeAdvice(w, r, types.RecommendationQuery{FactID: chi.URLParam(r, "id")})
}

func (a *App) writeAdvice(w http.ResponseWriter, r *http.Request, q types.RecommendationQuery) {
	q.Limit = intParam(r, "limit", 50)
	recs, err := a.store.ListRecommendations(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []types.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) listFacts(w http.ResponseWriter, r *http.Request) {
	q := types.FactQuery{
		Type:  types.FactType(r.URL.Query().Get("type")),
		Limit: intParam(r, "limit", 200),
	}
	facts, err := a.store.ListFacts(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if facts == nil {
		facts = []types.Fact{}
	}
	writeJSON(w, http.StatusOK, facts)
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.FactCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types.Status{
		Running:         true,
		Sessions:        a.engine.SessionCount(),
		EventsProcessed: a.engine.Processed(),
		FactCounts:      counts,
		Dispatches:      a.metrics.DispatchesTotal(),
		AdvisorFailures: a.metrics.AdvisorFailures(),
	})
}

func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(id, 200)
	defer a.broker.Unsubscribe(id, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

// cleanupHosts re-validates stored host facts against the current
// hostname policy and removes the rejects.
func (a *App) cleanupHosts(w http.ResponseWriter, r *http.Request) {
	removed, err := a.store.CleanupHosts(r.Context(), extract.IsValidHost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.logger.Info("host cleanup complete", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *App) reset(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pass confirm=true to wipe all data"})
		return
	}
	if err := a.store.Reset(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	// The pipeline's duplicate caches and dispatch tracking must go
	// with the store, or the fresh engagement inherits stale state.
	a.engine.Reset()
	a.logger.Warn("store reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	q := types.EventQuery{
		Limit:  intParam(r, "limit", 100),
		Offset: intParam(r, "offset", 0),
	}
	switch order := r.URL.Query().Get("order"); order {
	case "", "desc":
	case "asc":
		q.Asc = true
	default:
		return q, fmt.Errorf("order must be asc or desc, got %q", order)
	}
	if q.Limit < 1 || q.Limit > 1000 {
		return q, fmt.Errorf("limit must be 1..1000")
	}
	if q.Offset < 0 {
		return q, fmt.Errorf("offset must be >= 0")
	}
	return q, nil
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
