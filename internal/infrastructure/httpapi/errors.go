package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
)

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, message string, details interface{}) {
	if code == "" {
		code = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorBody{Error: apiError{Code: code, Message: message, Details: details}})
}

// writeUsecaseError maps registry failures onto HTTP statuses. Backend
// failure codes pass through so API consumers see the same vocabulary the
// engine reacts to.
func writeUsecaseError(w http.ResponseWriter, err error, details interface{}) {
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), details)
	case errors.Is(err, usecase.ErrNotAListener):
		writeError(w, http.StatusNotFound, "NOT_A_LISTENER", err.Error(), details)
	case errors.Is(err, usecase.ErrNotSupported):
		writeError(w, http.StatusConflict, "NOT_SUPPORTED", err.Error(), details)
	default:
		if code := usecase.BackendCode(err); code != "" {
			writeError(w, http.StatusBadGateway, code, err.Error(), details)
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), details)
	}
}
