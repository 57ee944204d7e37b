package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/validate"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const retryAfterSeconds = "5"

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidReport), errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}

	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		s.deps.Logger.Warn("store unavailable", "path", r.URL.Path, "error", err)
	case http.StatusInternalServerError:
		s.deps.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, resp, code)
}
