package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/escalation"
	"incident-escalation-service/pkg/policy"
	"incident-escalation-service/pkg/store"
)

type Handler struct {
	engine       *escalation.Engine
	logger       *logrus.Logger
	pingFunc     func(ctx context.Context) error
	isLeaderFunc func(ctx context.Context) bool
}

func NewHandler(engine *escalation.Engine, logger *logrus.Logger, pingFunc func(ctx context.Context) error, isLeaderFunc func(ctx context.Context) bool) *Handler {
	return &Handler{
		engine:       engine,
		logger:       logger,
		pingFunc:     pingFunc,
		isLeaderFunc: isLeaderFunc,
	}
}

func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]
	if incidentID == "" {
		http.Error(w, "Missing incident ID", http.StatusBadRequest)
		return
	}

	var request struct {
		IncidentType string `json:"incident_type"`
		Priority     string `json:"priority"`
		EventID      string `json:"event_id,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.engine.Calculate(r.Context(), incidentID, request.IncidentType, request.Priority, request.EventID)
	if err != nil {
		h.writeError(w, r, incidentID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)

	h.logger.WithFields(logrus.Fields{
		"incident_id": incidentID,
		"status":      view.Status,
		"deadline_at": view.DeadlineAt,
	}).Debug("Calculated escalation time")
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]
	if incidentID == "" {
		http.Error(w, "Missing incident ID", http.StatusBadRequest)
		return
	}

	view, err := h.engine.Status(r.Context(), incidentID)
	if err != nil {
		h.writeError(w, r, incidentID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]
	if incidentID == "" {
		http.Error(w, "Missing incident ID", http.StatusBadRequest)
		return
	}

	events, err := h.engine.History(r.Context(), incidentID)
	if err != nil {
		h.writeError(w, r, incidentID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": incidentID,
		"events":      events,
	})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.engine.Pause)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.engine.Resume)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.engine.Resolve)
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, incidentID, reason, actorID string) (escalation.TimerView, error)) {
	incidentID := mux.Vars(r)["id"]
	if incidentID == "" {
		http.Error(w, "Missing incident ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Reason  string `json:"reason,omitempty"`
		ActorID string `json:"actor_id,omitempty"`
	}

	// An empty body is fine; reason and actor are optional.
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := op(r.Context(), incidentID, request.Reason, request.ActorID)
	if err != nil {
		h.writeError(w, r, incidentID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"incident_id":       incidentID,
		"status":            view.Status,
		"deadline_at":       view.DeadlineAt,
		"elapsed_active_ms": view.ElapsedActiveMS,
		"remaining_ms":      view.RemainingMS,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.pingFunc(r.Context()); err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_sweep_leader": h.isLeaderFunc(r.Context()),
		"timestamp":       time.Now(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps engine errors to HTTP responses. Transition failures
// include the authoritative current status so clients can reconcile
// without a follow-up read.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, incidentID string, err error) {
	var transitionErr *escalation.TransitionError

	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":       "no escalation timer for incident",
			"incident_id": incidentID,
		})
	case errors.As(err, &transitionErr):
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       transitionErr.Error(),
			"incident_id": incidentID,
			"status":      transitionErr.Status,
		})
	case errors.Is(err, escalation.ErrConflict):
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       "concurrent updates, retry",
			"incident_id": incidentID,
			"retryable":   true,
		})
	case errors.Is(err, policy.ErrPolicyNotFound):
		h.logger.WithError(err).Error("Escalation policy configuration defect")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "no applicable escalation policy configured",
		})
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"incident_id": incidentID,
			"path":        r.URL.Path,
		}).Error("Escalation operation failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "internal server error",
		})
	}
}
