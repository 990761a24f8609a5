package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dandantas/cadence/internal/cronspec"
	"github.com/dandantas/cadence/internal/database"
	"github.com/dandantas/cadence/internal/scheduler"
	"github.com/dandantas/cadence/internal/service"
	"go.uber.org/zap"
)

// maxPageSize bounds the limit query parameter of list endpoints
const maxPageSize = 100

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ListResponse represents a paginated list response
type ListResponse[T any] struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Results []T   `json:"results"`
}

// MessageResponse represents a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Named("http").Debug("Failed to write response", zap.Error(err))
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// writeServiceError maps a service error to its HTTP status
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidID),
		errors.Is(err, service.ErrValidation),
		errors.Is(err, cronspec.ErrInvalidCron),
		errors.Is(err, cronspec.ErrNoScheduleIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrScheduleDeleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseQueryInt parses an integer query parameter with a default value
func parseQueryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil || intValue < 1 {
		return defaultValue
	}

	return intValue
}

// parseQueryBool parses a boolean query parameter
func parseQueryBool(r *http.Request, key string) *bool {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil
	}

	boolValue := value == "true" || value == "1"
	return &boolValue
}

// pagination reads page and limit, enforcing the maximum page size
func pagination(r *http.Request) (page, limit int) {
	page = parseQueryInt(r, "page", 1)
	limit = parseQueryInt(r, "limit", 20)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
