// internal/handler/outcome_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/dripline/outreach-backend/internal/errors"
	"github.com/dripline/outreach-backend/internal/service"
)

// OutcomeHandler receives delivery reports from agents and reply
// notifications. Both endpoints are idempotent: re-posting the same report
// or reply is a no-op with a 200.
type OutcomeHandler struct {
	Reconciler *service.ReconcileService
	Log        *zap.SugaredLogger
}

func NewOutcomeHandler(reconciler *service.ReconcileService, log *zap.SugaredLogger) *OutcomeHandler {
	return &OutcomeHandler{Reconciler: reconciler, Log: log}
}

// ReportOutcome handles POST /api/jobs/{id}/outcome.
func (h *OutcomeHandler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	var rep service.OutcomeReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.Reconciler.ApplyOutcome(r.Context(), jobID, rep)
	if err != nil {
		if appErrors.IsUserError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Log.Errorw("applying outcome failed", "job_id", jobID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RecordReply handles POST /api/recipients/{id}/reply.
func (h *OutcomeHandler) RecordReply(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid recipient id", http.StatusBadRequest)
		return
	}

	if err := h.Reconciler.RecordReply(r.Context(), id); err != nil {
		if appErrors.IsUserError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Log.Errorw("recording reply failed", "recipient_id", id, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}
