// Package router assembles the HTTP routes of the ledger service.
package router

import (
	"log/slog"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/auth"
	"github.com/bryaninjapan/englisheditor/internal/handlers"
	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/registry"
	"github.com/bryaninjapan/englisheditor/internal/reporting"
)

// Deps are the handlers and middleware collaborators the routes need.
type Deps struct {
	Ledger        *handlers.LedgerHandler
	Polish        *handlers.PolishHandler
	Registry      *registry.Handler
	Session       *auth.Handler
	Reporting     *reporting.Handler
	Authenticator middleware.Authenticator
	// Limiter is optional; nil disables redemption rate limiting.
	Limiter middleware.AttemptLimiter
	Logger  *slog.Logger
}

// New returns a mux serving every public and admin endpoint.
func New(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	admin := middleware.AdminAuth(d.Authenticator, d.Logger)
	fingerprint := middleware.Fingerprint(d.Logger)
	limit := middleware.RedeemLimit(d.Limiter, d.Logger)
	redeem := func(h http.HandlerFunc) http.Handler {
		return fingerprint(limit(h))
	}

	// Device-facing
	mux.HandleFunc("POST /identity/resolve", d.Ledger.ResolveIdentity)
	mux.HandleFunc("POST /usage/debit", d.Ledger.Debit)
	mux.HandleFunc("POST /usage/refund", d.Ledger.Refund)
	mux.HandleFunc("GET /usage/history", d.Ledger.History)
	mux.Handle("POST /codes/activation/redeem", redeem(d.Ledger.RedeemActivation))
	mux.Handle("POST /codes/invite/redeem", redeem(d.Ledger.RedeemInvite))
	mux.HandleFunc("POST /codes/activation/verify", d.Ledger.VerifyActivation)
	mux.HandleFunc("POST /codes/invite/generate", d.Registry.GenerateInvite)
	mux.HandleFunc("GET /codes/invite", d.Registry.ListInvites)
	mux.HandleFunc("POST /polish", d.Polish.Polish)

	// Admin
	mux.HandleFunc("POST /admin/session", d.Session.CreateSession)
	mux.Handle("POST /codes/activation/issue", admin(http.HandlerFunc(d.Registry.IssueActivationCodes)))
	mux.Handle("GET /codes/activation", admin(http.HandlerFunc(d.Registry.ListActivationCodes)))
	mux.Handle("POST /codes/activation/revoke", admin(http.HandlerFunc(d.Registry.RevokeActivationCode)))
	mux.Handle("GET /codes/activation/{code}/devices", admin(http.HandlerFunc(d.Registry.ActivationDevices)))
	mux.Handle("GET /reports/stats", admin(http.HandlerFunc(d.Reporting.GetStats)))

	return mux
}
