package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dandantas/cadence/internal/model"
	"github.com/dandantas/cadence/internal/service"
	"github.com/dandantas/cadence/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

// DataSourceHandler handles data source configuration CRUD and lease operations
type DataSourceHandler struct {
	service *service.DataSourceService
}

// NewDataSourceHandler creates a new data source handler
func NewDataSourceHandler(service *service.DataSourceService) *DataSourceHandler {
	return &DataSourceHandler{
		service: service,
	}
}

// LeaseRequest is the body of a lease acquisition
type LeaseRequest struct {
	CorrelationID string `json:"correlation_id"`
	ProcessID     string `json:"process_id"`
	Host          string `json:"host"`
}

// LeaseResponse reports whether a lease was granted
type LeaseResponse struct {
	DataSourceID string `json:"data_source_id"`
	Granted      bool   `json:"granted"`
}

// Routes mounts the data source endpoints on r
func (h *DataSourceHandler) Routes(r chi.Router) {
	r.Route("/data-sources", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/lease", h.AcquireLease)
			r.Delete("/lease", h.ReleaseLease)
		})
	})
}

// Create handles POST /api/v1/data-sources
func (h *DataSourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var ds model.DataSource
	if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	err := h.service.Create(r.Context(), &ds, middleware.GetActor(r), middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ds)
}

// Get handles GET /api/v1/data-sources/{id}
func (h *DataSourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ds, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

// List handles GET /api/v1/data-sources
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	active := parseQueryBool(r, "active")
	supplier := r.URL.Query().Get("supplier")
	var tags []string
	if tagsStr := r.URL.Query().Get("tags"); tagsStr != "" {
		tags = strings.Split(tagsStr, ",")
	}
	page, limit := pagination(r)

	items, total, err := h.service.List(r.Context(), active, supplier, tags, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse[model.DataSourceListItem]{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: items,
	})
}

// Update handles PUT /api/v1/data-sources/{id}
func (h *DataSourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var ds model.DataSource
	if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), &ds,
		middleware.GetActor(r), middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/v1/data-sources/{id}
func (h *DataSourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.service.Delete(r.Context(), chi.URLParam(r, "id"),
		middleware.GetActor(r), middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Data source deleted successfully"})
}

// AcquireLease handles POST /api/v1/data-sources/{id}/lease
func (h *DataSourceHandler) AcquireLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.GetCorrelationID(r.Context())
	}

	id := chi.URLParam(r, "id")
	granted, err := h.service.AcquireLease(r.Context(), id, model.LeaseOwner{
		CorrelationID: req.CorrelationID,
		ProcessID:     req.ProcessID,
		Host:          req.Host,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if !granted {
		status = http.StatusConflict
	}
	writeJSON(w, status, LeaseResponse{DataSourceID: id, Granted: granted})
}

// ReleaseLease handles DELETE /api/v1/data-sources/{id}/lease
func (h *DataSourceHandler) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReleaseLease(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason")); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Lease released"})
}
