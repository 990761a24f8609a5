package handler

import (
	"context"
	"net/http"

	"github.com/dandantas/cadence/internal/model"
	"github.com/dandantas/cadence/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// ScheduleAdmin is the operator surface of the trigger engine
type ScheduleAdmin interface {
	Get(ctx context.Context, dataSourceID string) (*model.Schedule, error)
	List(ctx context.Context, filter bson.M, page, limit int) ([]model.Schedule, int64, error)
	Pause(ctx context.Context, dataSourceID, actor string) (*model.Schedule, error)
	Resume(ctx context.Context, dataSourceID, actor string) (*model.Schedule, error)
	TriggerNow(ctx context.Context, dataSourceID, actor string) (*model.PollingEvent, error)
}

// ScheduleHandler exposes schedule records and operator actions
type ScheduleHandler struct {
	admin ScheduleAdmin
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(admin ScheduleAdmin) *ScheduleHandler {
	return &ScheduleHandler{admin: admin}
}

// Routes mounts the schedule endpoints on r
func (h *ScheduleHandler) Routes(r chi.Router) {
	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/trigger", h.Trigger)
		})
	})
}

// List handles GET /api/v1/schedules
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := bson.M{}
	if active := parseQueryBool(r, "active"); active != nil {
		filter["active"] = *active
	}
	if paused := parseQueryBool(r, "paused"); paused != nil {
		filter["paused"] = *paused
	}
	if deleted := parseQueryBool(r, "deleted"); deleted != nil {
		filter["deleted"] = *deleted
	}
	if supplier := r.URL.Query().Get("supplier"); supplier != "" {
		filter["supplier_name"] = supplier
	}
	page, limit := pagination(r)

	schedules, total, err := h.admin.List(r.Context(), filter, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]model.ScheduleSummary, len(schedules))
	for i := range schedules {
		items[i] = schedules[i].ToSummary()
	}

	writeJSON(w, http.StatusOK, ListResponse[model.ScheduleSummary]{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: items,
	})
}

// Get handles GET /api/v1/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.admin.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.ToSummary())
}

// Pause handles POST /api/v1/schedules/{id}/pause
func (h *ScheduleHandler) Pause(w http.ResponseWriter, r *http.Request) {
	s, err := h.admin.Pause(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.ToSummary())
}

// Resume handles POST /api/v1/schedules/{id}/resume
func (h *ScheduleHandler) Resume(w http.ResponseWriter, r *http.Request) {
	s, err := h.admin.Resume(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.ToSummary())
}

// Trigger handles POST /api/v1/schedules/{id}/trigger
func (h *ScheduleHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ev, err := h.admin.TriggerNow(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ev)
}
