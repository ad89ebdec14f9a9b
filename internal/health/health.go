// Package health provides the HTTP health endpoint shared by both Earshot
// processes.
//
// GET /health reports the two dependencies everything relies on: the
// database and the shared audio volume. The endpoint itself always answers
// 200 — a process that can serve the request is alive — and carries the
// dependency verdicts in the body:
//
//	{"status":"degraded","db":true,"storage_writable":false,"time":"..."}
//
// "status" is "ok" only when every probe passes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single probe may take before its
// context is cancelled and the dependency is reported down.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. It must respect context cancellation and
// return nil when the dependency is usable.
type Checker func(ctx context.Context) error

// Response is the health endpoint's JSON body.
type Response struct {
	Status          string    `json:"status"`
	DB              bool      `json:"db"`
	StorageWritable bool      `json:"storage_writable"`
	Time            time.Time `json:"time"`
}

// Handler serves GET /health. Safe for concurrent use; the probes are fixed
// at construction time.
type Handler struct {
	db      Checker
	storage Checker
}

// New creates a Handler over the database and storage probes. A nil probe
// reports its dependency as healthy, which keeps tests and tools that run
// without one of the dependencies honest about the other.
func New(db, storage Checker) *Handler {
	return &Handler{db: db, storage: storage}
}

// Health evaluates both probes and writes the verdict. Each probe gets its
// own [checkTimeout] deadline derived from the request context.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	res := Response{
		Status:          "ok",
		DB:              h.probe(r.Context(), h.db),
		StorageWritable: h.probe(r.Context(), h.storage),
		Time:            time.Now().UTC(),
	}
	if !res.DB || !res.StorageWritable {
		res.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

func (h *Handler) probe(ctx context.Context, check Checker) bool {
	if check == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return check(ctx) == nil
}
