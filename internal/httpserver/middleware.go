package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/thrillee/aegiscert/internal/auth"
)

// authMiddleware checks X-API-Key against the configured bcrypt hash. With no
// hash configured the endpoint is open and authentication is left to the
// network edge.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			slog.WarnContext(r.Context(), "HTTP Auth failed: missing API key")
			writeError(r.Context(), w, http.StatusUnauthorized, "Unauthorized: missing API key")
			return
		}
		if !auth.CheckAPIKey(apiKey, s.config.APIKeyHash) {
			slog.WarnContext(r.Context(), "HTTP Auth failed: invalid API key")
			writeError(r.Context(), w, http.StatusUnauthorized, "Unauthorized: invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	}
}
