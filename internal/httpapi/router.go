// Package httpapi serves the node's status, ledger and task intake over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"tempo/internal/ledger"
	"tempo/internal/node"
	"tempo/internal/queue"
	"tempo/internal/rhythm"
	logx "tempo/pkg/logx"
)

// maxBody bounds POST bodies.
const maxBody = 1 << 20

// Node is what the API reads and drives.
type Node interface {
	Status() node.Status
	Enqueue(ctx context.Context, t queue.Task) (string, error)
	Ledger() *ledger.Ledger
	Rhythms() *rhythm.Scheduler
}

type api struct {
	node Node
	log  logx.Logger
}

// Options tunes the router.
type Options struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
}

// NewRouter builds the chi router for n.
func NewRouter(n Node, log logx.Logger, opts Options) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &api{node: n, log: log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(h.log))

	r.Get("/healthz", h.healthz)
	r.Get("/status", h.status)
	r.Get("/ledger", h.ledger)
	r.Get("/rhythms", h.rhythms)
	r.Post("/rhythms/{name}/trigger", h.trigger)
	r.With(maxBodySize(maxBody)).Post("/tasks", h.submitTask)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Profiler {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

func (h *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *api) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Status())
}

// ledger handles GET /ledger?limit=N&event=name.
func (h *api) ledger(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	event := strings.TrimSpace(r.URL.Query().Get("event"))

	var entries []ledger.Entry
	if event == "" {
		entries = h.node.Ledger().Entries(limit)
	} else {
		for _, e := range h.node.Ledger().Entries(0) {
			if e.Event == event {
				entries = append(entries, e)
			}
		}
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   h.node.Ledger().Total(),
		"entries": entries,
	})
}

func (h *api) rhythms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Rhythms().Snapshot())
}

func (h *api) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.node.Rhythms().Trigger(name); err != nil {
		if errors.Is(err, rhythm.ErrUnknownRhythm) {
			writeError(w, http.StatusNotFound, "rhythm not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "rhythm": name})
}

// SubmitTaskRequest is the JSON body for POST /tasks.
type SubmitTaskRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (h *api) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		writeError(w, http.StatusBadRequest, "field 'kind' is required")
		return
	}

	id, err := h.node.Enqueue(r.Context(), queue.Task{ID: req.ID, Kind: req.Kind, Payload: req.Payload})
	var rej *queue.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rej):
		code := http.StatusServiceUnavailable
		if errors.Is(err, queue.ErrDuplicate) {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]string{"error": "rejected", "reason": rej.Reason, "task_id": rej.ID})
		return
	case errors.Is(err, node.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "node stopped")
		return
	default:
		h.log.Error("enqueue failed", logx.String("kind", req.Kind), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	h.log.Debug("task submitted", logx.String("task", id), logx.String("kind", req.Kind))
	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, Status: "accepted", EnqueuedAt: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
