package handlers

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/models"
	"github.com/ranklens/ranklens-sync/pkg/repositories"
	"github.com/ranklens/ranklens-sync/pkg/services"
)

// SyncResponse is the trigger endpoint's response body. Per-property
// failures are reported here with HTTP 200; the status code only goes
// non-200 for trigger auth failures or a harness-level failure.
type SyncResponse struct {
	Success     bool                     `json:"success"`
	Summary     models.RunSummary        `json:"summary"`
	SyncResults []models.PropertyOutcome `json:"syncResults"`
}

// SyncHandler exposes the scheduler-facing batch trigger and the run
// history read surface.
type SyncHandler struct {
	orchestrator  services.Orchestrator
	runs          repositories.SyncRunRepository
	triggerSecret string
	logger        *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(orchestrator services.Orchestrator, runs repositories.SyncRunRepository, triggerSecret string, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		orchestrator:  orchestrator,
		runs:          runs,
		triggerSecret: triggerSecret,
		logger:        logger,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sync", h.Trigger)
	mux.HandleFunc("/api/sync/runs", h.Runs)
}

// Trigger handles POST /api/sync from the scheduler. The shared secret is
// checked before any work happens: an invalid trigger short-circuits with
// 401 and no side effects.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		_ = ErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if !h.authorized(r) {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid trigger secret")
		return
	}

	run, err := h.orchestrator.RunBatch(r.Context())
	if err != nil {
		h.logger.Error("Sync batch harness failure", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "sync_failed", "sync batch could not run")
		return
	}

	response := SyncResponse{
		Success:     true,
		Summary:     run.Summary,
		SyncResults: run.Results,
	}
	if response.SyncResults == nil {
		response.SyncResults = []models.PropertyOutcome{}
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode sync response", zap.Error(err))
	}
}

// Runs handles GET /api/sync/runs, returning recent batch run summaries
// for the dashboard.
func (h *SyncHandler) Runs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		_ = ErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if !h.authorized(r) {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid trigger secret")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "list_failed", "could not load sync runs")
		return
	}
	if runs == nil {
		runs = []*models.SyncRunLog{}
	}
	if err := WriteJSON(w, http.StatusOK, runs); err != nil {
		h.logger.Error("Failed to encode sync runs", zap.Error(err))
	}
}

// authorized compares the bearer token against the configured shared secret
// in constant time.
func (h *SyncHandler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	provided := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.triggerSecret)) == 1
}
