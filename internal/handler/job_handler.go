package handler

import (
	"gear-queue/internal/metrics"
	"gear-queue/internal/models"
	"gear-queue/internal/service"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	jobService *service.JobService
	queue      *service.Queue
	metrics    *metrics.Metrics
	logger     *logrus.Entry
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, queue *service.Queue, metrics *metrics.Metrics, logger *logrus.Entry) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
	}
}

// Register adds the job routes to mux
func (h *JobHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.SearchJobs)
	mux.HandleFunc("GET /jobs/stats", h.GetStatistics)
	mux.HandleFunc("POST /jobs/next", h.NextJob)
	mux.HandleFunc("POST /jobs/reap", h.ReapOrphans)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("PUT /jobs/{id}", h.UpdateJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.RetryJob)
	mux.HandleFunc("GET /metrics", h.GetMetrics)
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	var payload models.JobPayload
	if !decode(w, r, &payload) {
		return
	}
	if payload.GearID == "" {
		http.Error(w, "gear_id is required", http.StatusBadRequest)
		return
	}

	job, err := h.jobService.Enqueue(r.Context(), &payload, originFor(subject), subject)
	if err != nil {
		writeError(w, h.logger, "job creation failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, job)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	job, err := h.jobService.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to retrieve job", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, job)
}

// UpdateJob handles PUT /jobs/{id}. An empty body only refreshes the job's
// modified time, which is how an engine heartbeats a running job.
func (h *JobHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	var changes models.JobChanges
	if !decode(w, r, &changes) {
		return
	}
	if changes.State != "" && !changes.State.Valid() {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	job, err := h.jobService.MutateJob(r.Context(), r.PathValue("id"), changes)
	if err != nil {
		writeError(w, h.logger, "failed to update job", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, job)
}

// RetryJob handles POST /jobs/{id}/retry?force=true
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	id, err := h.jobService.RetryJob(r.Context(), r.PathValue("id"), force)
	if err != nil {
		writeError(w, h.logger, "failed to retry job", err)
		return
	}
	if id == "" {
		writeJSON(w, h.logger, http.StatusOK, map[string]string{"message": "job reached its attempt limit"})
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, map[string]string{"id": id})
}

// NextJob handles POST /jobs/next?tags=a,b. Responds 204 when nothing is
// pending.
func (h *JobHandler) NextJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	job, err := h.queue.StartJob(r.Context(), tags)
	if err != nil {
		writeError(w, h.logger, "failed to start job", err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, job)
}

// ReapOrphans handles POST /jobs/reap
func (h *JobHandler) ReapOrphans(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	count, err := h.queue.ScanForOrphans(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to reap orphans", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]int{"orphaned": count})
}

// SearchJobs handles GET /jobs?container=type:id&state=&tag=
func (h *JobHandler) SearchJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	query := r.URL.Query()

	var containers []models.ContainerReference
	for _, raw := range query["container"] {
		kind, id, ok := strings.Cut(raw, ":")
		if !ok || id == "" {
			http.Error(w, "container must be type:id", http.StatusBadRequest)
			return
		}
		k, err := models.ParseContainerKind(kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		containers = append(containers, models.ContainerReference{Type: k, ID: id})
	}

	var states []models.JobState
	for _, raw := range query["state"] {
		s := models.JobState(raw)
		if !s.Valid() {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		states = append(states, s)
	}

	jobs, err := h.queue.Search(r.Context(), containers, states, query["tag"])
	if err != nil {
		writeError(w, h.logger, "failed to search jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, h.logger, http.StatusOK, jobs)
}

// GetStatistics handles GET /jobs/stats
func (h *JobHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	stats, err := h.queue.Statistics(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to get statistics", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stats)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	writeJSON(w, h.logger, http.StatusOK, h.metrics.GetSnapshot())
}
