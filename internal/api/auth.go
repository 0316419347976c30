package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const workspaceKey ctxKey = iota

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireWorkspace resolves the caller's bearer token to a workspace.
func (s *Server) requireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := s.tokens[bearer(r)]
		if !ok || ws == "" {
			writeError(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workspaceKey, ws)))
	})
}

// requireCron admits the scheduler. Without a configured secret nothing is admitted.
func (s *Server) requireCron(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if s.cronSecret == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.cronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func workspace(ctx context.Context) string {
	ws, _ := ctx.Value(workspaceKey).(string)
	return ws
}
