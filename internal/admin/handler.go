package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-tick/courier"
)

type Handler struct {
	Jobs      *courier.JobRegistry
	Scheduler *courier.Scheduler
	Queue     *courier.Queue
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Jobs.ListJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var spec courier.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	job, err := h.Jobs.CreateJob(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var spec courier.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	job, err := h.Jobs.UpdateJob(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EnableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) DisableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := h.Jobs.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerJob runs the job synchronously and returns the finished execution.
// The actor comes from the X-Actor header.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if actor == "" {
		actor = "admin"
	}

	exec, err := h.Scheduler.Trigger(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Jobs.GetJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := courier.ExecutionFilter{Status: courier.ExecutionStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), 50); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	page, err := h.Jobs.GetExecutions(r.Context(), id, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req courier.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	id, err := h.Queue.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.Queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.Queue.DeliveryLog(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notification": n, "delivery_log": entries})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}

	if err := h.Queue.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, courier.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, courier.ErrJobNotFound), errors.Is(err, courier.ErrNotificationMissing):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, courier.ErrJobNameTaken),
		errors.Is(err, courier.ErrNotPending),
		errors.Is(err, courier.ErrJobAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, courier.ErrSchedulerStopping):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("[Admin] %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
