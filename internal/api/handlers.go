package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/RichardCYang/NTEOK-sub001/internal/middleware"
)

// HealthChecker pings the backing store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Authenticator validates the session cookie on authenticated HTTP routes.
type Authenticator interface {
	UserForSession(ctx context.Context, token string) (string, error)
}

// Handler carries the dependencies of the plain HTTP endpoints. The
// collaborative protocol itself lives on the WebSocket; this surface is just
// health, and the attachment files referenced from page snapshots.
type Handler struct {
	health        HealthChecker
	auth          Authenticator
	sessionCookie string
	filesDir      string
}

// NewHandler creates the HTTP handler set.
func NewHandler(health HealthChecker, auth Authenticator, sessionCookie, filesDir string) *Handler {
	return &Handler{
		health:        health,
		auth:          auth,
		sessionCookie: sessionCookie,
		filesDir:      filesDir,
	}
}

// Health reports service and database liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			middleware.AddSpanError(r.Context(), err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Files serves attachment files to authenticated users. Path traversal is
// neutralized by http.FileServer's internal path cleaning.
func (h *Handler) Files() http.Handler {
	fs := http.StripPrefix("/files/", http.FileServer(http.Dir(h.filesDir)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.sessionCookie)
		if err != nil || cookie.Value == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if _, err := h.auth.UserForSession(r.Context(), cookie.Value); err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		fs.ServeHTTP(w, r)
	})
}
