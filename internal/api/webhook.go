package api

import (
	"io"
	"net/http"
	"sort"

	"github.com/pkg/errors"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/webhook"
)

func (s *Server) webhookHealth(w http.ResponseWriter, r *http.Request) {
	providers := append([]string{}, domain.Providers...)
	providers = append(providers, webhook.Generic)
	sort.Strings(providers)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "webhook-receiver",
		"provider":  r.URL.Query().Get("provider"),
		"providers": providers,
		"timestamp": s.now(),
	})
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "Request body too large")
		return
	}
	out, err := s.receiver.Handle(r.Context(), r.URL.Query().Get("provider"), body, webhook.Signature(r.Header))
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrUnknownProvider):
		badRequest(w, "Unknown provider")
		return
	case errors.Is(err, webhook.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, errorBody{Error: "Invalid signature"})
		return
	case errors.Is(err, webhook.ErrMalformed):
		badRequest(w, "Malformed webhook payload")
		return
	default:
		s.fail(w, r, err)
		return
	}

	resp := map[string]any{
		"success": true,
		"matched": out.Matched,
		"applied": out.Applied,
	}
	if out.JobID != "" {
		resp["jobId"] = out.JobID
		resp["status"] = out.Status
	}
	writeJSON(w, http.StatusOK, resp)
}
