package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/duneforge/workforce/internal/archive"
	"github.com/duneforge/workforce/internal/control"
	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/planner"
	"github.com/duneforge/workforce/internal/registry"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	ctrl    *control.Controller
	reg     *registry.Registry
	workers registry.Source
	history *archive.Store // nil when the archive is not configured
	logger  *zap.Logger
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(ctrl *control.Controller, reg *registry.Registry, workers registry.Source,
	history *archive.Store, logger *zap.Logger) *Handler {
	return &Handler{
		ctrl:    ctrl,
		reg:     reg,
		workers: workers,
		history: history,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/missions", h.launchMission)
		r.Get("/missions", h.listMissions)
		r.Get("/missions/{id}", h.getMission)
		r.Get("/missions/{id}/report", h.getReport)
		r.Get("/missions/{id}/log", h.getLog)
		r.Get("/missions/{id}/events", h.streamEvents)
		r.Post("/missions/{id}/abort", h.abortMission)

		r.Get("/workers", h.listWorkers)
		r.Post("/workers/reload", h.reloadWorkers)
		r.Get("/workers/{id}/presence", h.workerPresence)

		r.Get("/archive/missions", h.archivedMissions)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type launchRequest struct {
	Request string `json:"request"`
}

func (h *Handler) launchMission(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request is required"})
		return
	}

	id, err := h.ctrl.Launch(r.Context(), req.Request)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, planner.ErrMalformedPlan) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) listMissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshots())
}

func (h *Handler) getMission(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Store(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Store(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	snap := st.Snapshot()
	if snap.Status != mission.StatusCompleted && snap.Status != mission.StatusFailed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "mission still running"})
		return
	}
	writeJSON(w, http.StatusOK, st.Report())
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Store(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		after, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "after must be an integer"})
			return
		}
	}
	entries := st.Log(after)
	if entries == nil {
		entries = []mission.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) abortMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req abortRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "aborted by operator"
	}
	if err := h.ctrl.Abort(id, req.Reason); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// streamEvents serves a mission's live event feed over SSE. Query
// params kinds and tasks take comma-separated filters.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Store(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var f mission.Filter
	if s := r.URL.Query().Get("kinds"); s != "" {
		for _, k := range strings.Split(s, ",") {
			f.Kinds = append(f.Kinds, mission.EventKind(strings.TrimSpace(k)))
		}
	}
	if s := r.URL.Query().Get("tasks"); s != "" {
		for _, t := range strings.Split(s, ",") {
			f.TaskIDs = append(f.TaskIDs, strings.TrimSpace(t))
		}
	}

	events, cancel := st.Watch(f, 256)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
			if ev.Mission == mission.StatusCompleted || ev.Mission == mission.StatusFailed {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

func (h *Handler) reloadWorkers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker source not configured"})
		return
	}
	n, err := h.reg.Sync(h.workers)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": n})
}

func (h *Handler) workerPresence(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	missionID := r.URL.Query().Get("mission")
	if missionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mission query param is required"})
		return
	}
	st, err := h.ctrl.Store(missionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	p := mission.WorkerPresence(st.Snapshot(), workerID)
	writeJSON(w, http.StatusOK, map[string]string{
		"worker_id": workerID,
		"presence":  string(p),
	})
}

func (h *Handler) archivedMissions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	missions, err := h.history.RecentMissions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, missions)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
