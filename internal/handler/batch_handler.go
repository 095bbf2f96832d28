package handler

import (
	"gear-queue/internal/models"
	"gear-queue/internal/service"
	"net/http"

	"github.com/sirupsen/logrus"
)

// BatchHandler handles HTTP requests for batch proposals
type BatchHandler struct {
	batches *service.BatchService
	logger  *logrus.Entry
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(batches *service.BatchService, logger *logrus.Entry) *BatchHandler {
	return &BatchHandler{batches: batches, logger: logger}
}

// Register adds the batch routes to mux
func (h *BatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /batch", h.ProposeBatch)
	mux.HandleFunc("GET /batch/{id}", h.GetBatch)
	mux.HandleFunc("POST /batch/{id}/run", h.RunBatch)
	mux.HandleFunc("POST /batch/{id}/cancel", h.CancelBatch)
}

type proposeRequest struct {
	GearID  string                      `json:"gear_id"`
	Targets []models.ContainerReference `json:"targets"`
	Config  map[string]any              `json:"config"`
}

// ProposeBatch handles POST /batch
func (h *BatchHandler) ProposeBatch(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	var req proposeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GearID == "" {
		http.Error(w, "gear_id is required", http.StatusBadRequest)
		return
	}

	batch, err := h.batches.Propose(r.Context(), req.GearID, req.Targets, req.Config, originFor(subject), subject)
	if err != nil {
		writeError(w, h.logger, "batch proposal failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, batch)
}

// GetBatch handles GET /batch/{id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	batch, err := h.batches.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to retrieve batch", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, batch)
}

// RunBatch handles POST /batch/{id}/run
func (h *BatchHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	batch, err := h.batches.Run(r.Context(), r.PathValue("id"), subject)
	if err != nil {
		writeError(w, h.logger, "failed to run batch", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, batch)
}

// CancelBatch handles POST /batch/{id}/cancel
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	count, err := h.batches.Cancel(r.Context(), r.PathValue("id"), subject)
	if err != nil {
		writeError(w, h.logger, "failed to cancel batch", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]int{"number_cancelled": count})
}
