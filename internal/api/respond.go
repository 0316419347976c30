package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
)

type errorBody struct {
	Success       bool                `json:"success"`
	Error         string              `json:"error"`
	Details       []domain.FieldError `json:"details,omitempty"`
	CurrentStatus domain.Status       `json:"currentStatus,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	body.Success = false
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, errorBody{Error: msg})
}

// errorResponse maps a queue error onto its HTTP status and envelope.
func errorResponse(err error) (int, errorBody) {
	var (
		v  *domain.ValidationError
		te *domain.TransitionError
	)
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest, errorBody{Error: "Validation failed", Details: v.Fields}
	case errors.As(err, &te):
		return http.StatusBadRequest, errorBody{Error: "Job is " + string(te.Current), CurrentStatus: te.Current}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "Job not found"}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, errorBody{Error: "Job was modified concurrently"}
	}
	return http.StatusInternalServerError, errorBody{Error: "Internal server error"}
}

// fail writes err. Server errors are logged and never echoed to the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= 500 {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, body)
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
