package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/auth"
	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/respond"
)

type contextKey string

const (
	ctxAdminKey       contextKey = "admin"
	ctxFingerprintKey contextKey = "fingerprint"
)

// Authenticator is the part of auth.Service the admin middleware uses.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// AdminAuth accepts the admin secret or an admin session token as a Bearer
// credential and stores the resulting subject in the request context.
func AdminAuth(authn Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.BearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				respond.Error(w, log, ledger.ErrUnauthorized)
				return
			}
			subject, err := authn.Authenticate(raw)
			if err != nil {
				log.Warn("admin auth rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
				respond.Error(w, log, ledger.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), subject)))
		})
	}
}

// AdminFromCtx returns the authenticated admin subject, or "".
func AdminFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxAdminKey).(string)
	return s
}

func WithAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxAdminKey, subject)
}
