package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
	"github.com/opensource-finance/folio/internal/logging"
	"github.com/opensource-finance/folio/internal/query"
	"github.com/opensource-finance/folio/internal/stores"
)

// Drainer runs one drain of the sync queue.
type Drainer interface {
	Drain(ctx context.Context) (domain.DrainResult, error)
}

// Connectivity is the online flag the API can read and set.
type Connectivity interface {
	Online() bool
	Set(ctx context.Context, online bool) bool
}

// Sweeper removes expired cache items.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Deps holds the components the handlers serve.
type Deps struct {
	Store        domain.Store
	Queue        domain.SyncQueue
	Cache        domain.Cache
	Sweeper      Sweeper
	Stores       *stores.Stores
	Filters      *query.Engine
	Syncer       Drainer
	Connectivity Connectivity

	// Ready reports whether initialization has finished.
	Ready func() bool

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	Logger  *zap.Logger
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sweeper == nil {
		deps.Sweeper = deps.Cache
	}
	return &Handler{deps: deps}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	resp := map[string]any{
		"status":  status,
		"version": h.deps.Version,
	}
	if h.deps.Connectivity != nil {
		resp["online"] = h.deps.Connectivity.Online()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns 200 once initialization finished, 503 before.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil && !h.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// ListRecords handles GET /collections/{collection}. It accepts either
// ?index=&value= or ?filter=<cel>.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()

	var (
		recs []*domain.Record
		err  error
	)
	switch {
	case q.Get("index") != "":
		recs, err = h.deps.Store.GetByIndex(ctx, collection, q.Get("index"), q.Get("value"))
	case q.Get("filter") != "":
		var f *query.Filter
		f, err = h.deps.Filters.Compile(q.Get("filter"))
		if err == nil {
			recs, err = h.deps.Store.GetAll(ctx, collection)
			recs = f.Apply(recs)
		}
	default:
		recs, err = h.deps.Store.GetAll(ctx, collection)
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if recs == nil {
		recs = []*domain.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collection": collection,
		"count":      len(recs),
		"records":    recs,
	})
}

// GetRecord handles GET /collections/{collection}/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	rec, err := h.deps.Store.GetByID(ctx, collection, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if rec == nil {
		writeError(ctx, w, fmt.Errorf("%w: %s[%s]", domain.ErrNotFound, collection, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutRecord handles PUT /collections/{collection}/{id}. ?sync=true queues
// the change for the backend.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	rec, err := decodeRecord(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if rec.ID != "" && rec.ID != id {
		writeError(ctx, w, fmt.Errorf("%w: body id %q does not match path id %q", domain.ErrInvalidInput, rec.ID, id))
		return
	}
	rec.ID = id

	stored, err := h.deps.Store.Put(ctx, collection, rec, boolParam(r, "sync"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// AddRecord handles POST /collections/{collection}.
func (h *Handler) AddRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := chi.URLParam(r, "collection")

	rec, err := decodeRecord(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	stored, err := h.deps.Store.Add(ctx, collection, rec, boolParam(r, "sync"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// DeleteRecord handles DELETE /collections/{collection}/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	if err := h.deps.Store.Remove(ctx, collection, id, boolParam(r, "sync")); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SavePortfolio handles POST /portfolios. ?offline=true marks the portfolio
// pending and queues it.
func (h *Handler) SavePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var p domain.Portfolio
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput))
		return
	}

	saved, err := h.deps.Stores.Portfolios.Save(ctx, &p, boolParam(r, "offline"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// PortfolioSummary handles GET /portfolios/{id}/summary.
func (h *Handler) PortfolioSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.deps.Stores.Portfolios.Summary(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// TriggerSync handles POST /sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.deps.Syncer.Drain(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListQueue handles GET /sync/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.deps.Queue.Pending(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if entries == nil {
		entries = []*domain.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// ListDeadLetters handles GET /sync/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dead, err := h.deps.Queue.DeadLetters(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if dead == nil {
		dead = []*domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(dead),
		"dead_letters": dead,
	})
}

// ReplayDeadLetter handles POST /sync/dead-letters/{id}/replay.
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entry, err := h.deps.Queue.Replay(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ConnectivityRequest is the body of PUT /connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// SetConnectivity handles PUT /connectivity.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(ctx, w, fmt.Errorf("%w: body must be {\"online\": bool}", domain.ErrInvalidInput))
		return
	}

	changed := h.deps.Connectivity.Set(ctx, *req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{
		"online":  *req.Online,
		"changed": changed,
	})
}

// SweepCache handles POST /cache/sweep.
func (h *Handler) SweepCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.deps.Sweeper.Sweep(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func decodeRecord(r *http.Request) (*domain.Record, error) {
	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	return &rec, nil
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(ctx).Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
