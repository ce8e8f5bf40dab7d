package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gustycube/spyder-atlas/internal/ingest"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errBadRequest = errors.New("bad request")

// classify maps store errors to a status and a stable code.
func classify(err error) (int, string, bool) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found", false
	case errors.Is(err, types.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name", false
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict", true
	case errors.Is(err, types.ErrInvalidEnum):
		return http.StatusBadRequest, "invalid_enum", false
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request", false
	case errors.Is(err, types.ErrInvalidShape):
		return http.StatusUnprocessableEntity, "invalid_shape", false
	case errors.Is(err, types.ErrUnknownNode):
		return http.StatusUnprocessableEntity, "unknown_node", false
	case errors.Is(err, types.ErrSelfLoop):
		return http.StatusUnprocessableEntity, "self_loop", false
	case errors.Is(err, ingest.ErrStopped):
		return http.StatusServiceUnavailable, "shutting_down", true
	}
	return http.StatusInternalServerError, "internal", false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retryable := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
