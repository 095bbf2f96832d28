package handler

import (
	"gear-queue/internal/models"
	"gear-queue/internal/service"
	"net/http"

	"github.com/sirupsen/logrus"
)

// CatalogHandler handles HTTP requests for gears, rules, containers and files
type CatalogHandler struct {
	files  *service.FileService
	logger *logrus.Entry
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(files *service.FileService, logger *logrus.Entry) *CatalogHandler {
	return &CatalogHandler{files: files, logger: logger}
}

// Register adds the catalog routes to mux
func (h *CatalogHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /gears", h.AddGear)
	mux.HandleFunc("PUT /containers/{kind}/{id}", h.PutContainer)
	mux.HandleFunc("POST /containers/{kind}/{id}/files", h.CommitFile)
	mux.HandleFunc("GET /projects/{id}/rules", h.ListRules)
	mux.HandleFunc("POST /projects/{id}/rules", h.AddRule)
	mux.HandleFunc("DELETE /rules/{id}", h.DeleteRule)
}

func (h *CatalogHandler) containerRef(w http.ResponseWriter, r *http.Request) (models.ContainerReference, bool) {
	kind, err := models.ParseContainerKind(r.PathValue("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return models.ContainerReference{}, false
	}
	return models.ContainerReference{Type: kind, ID: r.PathValue("id")}, true
}

// AddGear handles POST /gears
func (h *CatalogHandler) AddGear(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	var gear models.Gear
	if !decode(w, r, &gear) {
		return
	}
	if err := h.files.AddGear(r.Context(), &gear); err != nil {
		writeError(w, h.logger, "failed to add gear", err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, gear)
}

// PutContainer handles PUT /containers/{kind}/{id}
func (h *CatalogHandler) PutContainer(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	ref, ok := h.containerRef(w, r)
	if !ok {
		return
	}
	var c models.Container
	if !decode(w, r, &c) {
		return
	}
	c.Kind = ref.Type
	c.ID = ref.ID

	if err := h.files.PutContainer(r.Context(), &c, subject); err != nil {
		writeError(w, h.logger, "failed to save container", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, c)
}

// CommitFile handles POST /containers/{kind}/{id}/files
func (h *CatalogHandler) CommitFile(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r, h.logger)
	if !ok {
		return
	}
	ref, ok := h.containerRef(w, r)
	if !ok {
		return
	}
	var file models.File
	if !decode(w, r, &file) {
		return
	}

	spawned, err := h.files.CommitFile(r.Context(), ref, file, subject)
	if err != nil {
		writeError(w, h.logger, "failed to commit file", err)
		return
	}
	if spawned == nil {
		spawned = []string{}
	}
	writeJSON(w, h.logger, http.StatusCreated, map[string][]string{"jobs_spawned": spawned})
}

// ListRules handles GET /projects/{id}/rules. The id "site" lists site rules.
func (h *CatalogHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSubject(w, r, h.logger); !ok {
		return
	}
	rules, err := h.files.ListRules(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []*models.Rule{}
	}
	writeJSON(w, h.logger, http.StatusOK, rules)
}

// AddRule handles POST /projects/{id}/rules
func (h *CatalogHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	var rule models.Rule
	if !decode(w, r, &rule) {
		return
	}
	rule.ProjectID = r.PathValue("id")

	if err := h.files.AddRule(r.Context(), &rule); err != nil {
		writeError(w, h.logger, "failed to add rule", err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, rule)
}

// DeleteRule handles DELETE /rules/{id}
func (h *CatalogHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r, h.logger); !ok {
		return
	}
	if err := h.files.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
