package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/codesathi/backend/internal/apperror"
)

// ErrorResponse is the shape of every error body the API returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encode JSON response", "error", err)
		}
	}
}

// writeError maps domain errors onto HTTP statuses. Anything without a
// recognised sentinel in its chain becomes an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, apperror.ErrValidation):
		status = http.StatusBadRequest
		errorType = "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
		errorType = "not_found"
	case errors.Is(err, apperror.ErrConflict):
		status = http.StatusConflict
		errorType = "conflict"
	case errors.Is(err, apperror.ErrStorage):
		status = http.StatusInternalServerError
		errorType = "storage_error"
	}

	// 5xx bodies stay opaque so storage details never reach clients.
	message := "an internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		message = appErr.Message
	}

	writeJSON(w, status, ErrorResponse{Error: errorType, Message: message})
}
