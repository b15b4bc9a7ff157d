package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/respond"
)

type SessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// CreateSession handles POST /admin/session. Only the raw admin secret can
// mint a session; a session token cannot renew itself.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	token, exp, err := h.svc.IssueSession(BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		h.log.Warn("admin session refused", "remote_addr", r.RemoteAddr, "error", err)
		respond.Error(w, h.log, ledger.ErrUnauthorized)
		return
	}
	h.log.Info("admin session issued", "expires_at", exp)
	respond.JSON(w, http.StatusCreated, SessionResponse{Token: token, ExpiresAt: exp})
}
