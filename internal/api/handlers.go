package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/inbox-intel/internal/pkg/httputil"
	"github.com/ignite/inbox-intel/internal/search"
	"github.com/ignite/inbox-intel/internal/storage"
)

// Handlers holds the request handlers and their collaborators.
type Handlers struct {
	store    *storage.Store
	search   Searcher
	rules    RuleCreator
	triggers TriggerLog
	worker   WorkerStats
	started  time.Time
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		store:    deps.Store,
		search:   deps.Search,
		rules:    deps.Rules,
		triggers: deps.Triggers,
		worker:   deps.Worker,
		started:  time.Now(),
	}
}

// limitParam reads the limit query value with a default and a ceiling.
func limitParam(r *http.Request, def, max int) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Health reports liveness.
//
//	GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Search runs a query in one of three modes. Hybrid is the default.
//
//	GET /api/search?q=&mode=&limit=
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httputil.BadRequest(w, "q is required")
		return
	}
	limit := limitParam(r, 10, 50)
	mode := r.URL.Query().Get("mode")

	var (
		results []search.Result
		err     error
	)
	switch mode {
	case "", "hybrid":
		mode = "hybrid"
		results, err = h.search.Hybrid(r.Context(), q, limit)
	case "fts", "lexical":
		mode = "fts"
		results, err = h.search.FTS(r.Context(), q, limit)
	case "vector", "semantic":
		mode = "vector"
		results, err = h.search.Vector(r.Context(), q, limit, 0)
	default:
		httputil.BadRequest(w, "mode must be hybrid, fts or vector")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"query":   q,
		"mode":    mode,
		"count":   len(results),
		"results": results,
	})
}

// Status reports per-folder sync state, stage backlogs and worker counters.
//
//	GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	states, err := h.store.ListSyncStates(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	stats, err := h.store.GetStats(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	status := map[string]any{
		"folders": states,
		"pending": map[string]int64{
			"triage":      stats.UnprocessedMessages,
			"attachments": stats.PendingAttachments,
			"embeddings":  stats.UnembeddedChunks,
		},
		"store": stats,
	}
	if h.worker != nil {
		status["worker"] = map[string]any{
			"running": h.worker.IsRunning(),
			"stats":   h.worker.Stats(),
		}
	}
	httputil.OK(w, status)
}

// ListThreads returns threads most recently active first, optionally
// filtered by status.
//
//	GET /api/threads?status=&limit=
func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	status := storage.ThreadStatus(r.URL.Query().Get("status"))
	threads, err := h.store.ListThreads(r.Context(), status, limitParam(r, 50, 200))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(threads), "threads": threads})
}

// GetThread returns one thread by id.
//
//	GET /api/threads/{id}
func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "thread not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, th)
}

// ListContacts returns contacts by interaction recency.
//
//	GET /api/contacts?limit=
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.store.ListContacts(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(contacts), "contacts": contacts})
}

// ListProjects returns tracked projects.
//
//	GET /api/projects?limit=
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context(), limitParam(r, 50, 200))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(projects), "projects": projects})
}

// ListCommitments returns open commitments, or all with ?all=true.
//
//	GET /api/commitments?all=&limit=
func (h *Handlers) ListCommitments(w http.ResponseWriter, r *http.Request) {
	onlyOpen := r.URL.Query().Get("all") != "true"
	commitments, err := h.store.ListCommitments(r.Context(), onlyOpen, limitParam(r, 50, 200))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(commitments), "commitments": commitments})
}

// ListDecisions returns pending decisions, or all with ?all=true.
//
//	GET /api/decisions?all=&limit=
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	onlyPending := r.URL.Query().Get("all") != "true"
	decisions, err := h.store.ListDecisions(r.Context(), onlyPending, limitParam(r, 50, 200))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(decisions), "decisions": decisions})
}

// ListRules returns every alert rule, enabled or not.
//
//	GET /api/rules
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListAlertRules(r.Context(), false)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(rules), "rules": rules})
}

type createRuleRequest struct {
	RuleText string `json:"rule_text"`
	Channel  string `json:"channel"`
	Target   string `json:"target"`
}

// CreateRule parses and persists a natural-language alert rule.
//
//	POST /api/rules
func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RuleText) == "" {
		httputil.BadRequest(w, "rule_text is required")
		return
	}
	rule, err := h.rules.CreateRule(r.Context(), req.RuleText, req.Channel, req.Target)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, rule)
}

// DeleteRule removes a rule and its trigger history.
//
//	DELETE /api/rules/{id}
func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteAlertRule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "rule not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// RecentTriggers returns the most recently emitted triggers.
//
//	GET /api/triggers/recent?limit=
func (h *Handlers) RecentTriggers(w http.ResponseWriter, r *http.Request) {
	events, err := h.triggers.Recent(limitParam(r, 20, 100))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"count": len(events), "triggers": events})
}
