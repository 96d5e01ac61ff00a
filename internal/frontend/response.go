package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/logger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the error taxonomy onto HTTP statuses and emits the
// machine-readable code next to the message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.GetKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case errdefs.KindNotFound:
		status = http.StatusNotFound
	case errdefs.KindAuthentication:
		status = http.StatusUnauthorized
	case errdefs.KindForbidden:
		status = http.StatusForbidden
	case errdefs.KindConfiguration:
		status = http.StatusBadRequest
	case errdefs.KindConnectionFailed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error(r.Context(), "Request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: apiError{
		Code:    kind.String(),
		Message: err.Error(),
	}})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, errdefs.New(errdefs.KindConfiguration, msg))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.KindConfiguration, err, "invalid request body")
	}
	return nil
}
