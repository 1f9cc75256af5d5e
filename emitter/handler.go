package emitter

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// SchemaHandler serves a subgraph's current schema document in plain text.
// The endpoint is read-only and gated by a static internal bearer token
// scoped to schema introspection, distinct from end-user authentication, so
// the registry can fetch schemas without data-plane privilege.
func SchemaHandler(token string, source func() (string, error), logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		text, err := source()
		if err != nil {
			logger.Error("Schema source failed", "error", err)
			http.Error(w, "schema unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(text))
	})
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
