package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/models"
	"github.com/bryaninjapan/englisheditor/internal/respond"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryRepo lists a device's ledger entries. *repository.EntryRepo implements it.
type HistoryRepo interface {
	ListByFingerprint(ctx context.Context, fingerprint string, limit int) ([]*models.LedgerEntry, error)
}

// LedgerHandler serves identity, usage and redemption endpoints.
type LedgerHandler struct {
	Ledger    Ledger
	Entries   HistoryRepo
	Validator *services.Validator
	Logger    *slog.Logger
}

func (h *LedgerHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /identity/resolve ---

type fingerprintRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type identityResponse struct {
	Fingerprint string `json:"fingerprint"`
	models.Balance
}

func (h *LedgerHandler) ResolveIdentity(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeBody(r, h.Validator, services.SchemaFingerprint, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	acc, err := h.Ledger.Resolve(r.Context(), req.Fingerprint)
	if err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	respond.JSON(w, http.StatusOK, identityResponse{Fingerprint: acc.Fingerprint, Balance: acc.Balance()})
}

// --- POST /usage/debit ---

type debitRequest struct {
	Fingerprint string `json:"fingerprint"`
	Mode        string `json:"mode"`
}

func (h *LedgerHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := decodeBody(r, h.Validator, services.SchemaDebit, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	res, err := h.Ledger.TryDebit(r.Context(), ledger.DebitRequest{Fingerprint: req.Fingerprint, Mode: req.Mode})
	if err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// --- POST /usage/refund ---

type refundRequest struct {
	Fingerprint   string `json:"fingerprint"`
	ReservationID string `json:"reservationId"`
}

func (h *LedgerHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(r, h.Validator, services.SchemaRefund, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	rr := ledger.RefundRequest{Fingerprint: req.Fingerprint}
	if req.ReservationID != "" {
		id, err := uuid.Parse(req.ReservationID)
		if err != nil {
			respond.Error(w, h.log(), ledger.InvalidRequest("reservationId must be a UUID"))
			return
		}
		rr.ReservationID = &id
	}
	res, err := h.Ledger.Refund(r.Context(), rr)
	if err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// --- GET /usage/history ---

type historyResponse struct {
	Entries []*models.LedgerEntry `json:"entries"`
}

func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fp := q.Get("fingerprint")
	if err := ledger.CheckFingerprint(fp); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond.Error(w, h.log(), ledger.InvalidRequest("limit must be a positive number"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := h.Entries.ListByFingerprint(r.Context(), fp, limit)
	if err != nil {
		respond.Error(w, h.log(), ledger.StorageError("list history", err))
		return
	}
	if list == nil {
		list = []*models.LedgerEntry{}
	}
	respond.JSON(w, http.StatusOK, historyResponse{Entries: list})
}

// --- POST /codes/activation/redeem, POST /codes/invite/redeem ---

type redeemRequest struct {
	Code        string `json:"code"`
	Fingerprint string `json:"fingerprint"`
}

func (h *LedgerHandler) RedeemActivation(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeBody(r, h.Validator, services.SchemaRedeem, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	res, err := h.Ledger.RedeemActivationCode(r.Context(), req.Code, req.Fingerprint)
	if err != nil {
		respond.ErrorFor(w, h.log(), err, ledger.CodeTypeActivation)
		return
	}
	h.respondRedeemed(w, r, res)
}

func (h *LedgerHandler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeBody(r, h.Validator, services.SchemaRedeem, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	res, err := h.Ledger.RedeemInviteCode(r.Context(), req.Code, req.Fingerprint)
	if err != nil {
		respond.ErrorFor(w, h.log(), err, ledger.CodeTypeInvite)
		return
	}
	h.respondRedeemed(w, r, res)
}

// --- POST /codes/activation/verify ---

func (h *LedgerHandler) VerifyActivation(w http.ResponseWriter, r *http.Request) {
	var req fingerprintRequest
	if err := decodeBody(r, h.Validator, services.SchemaFingerprint, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	res, err := h.Ledger.VerifyActivation(r.Context(), req.Fingerprint)
	if err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

func (h *LedgerHandler) respondRedeemed(w http.ResponseWriter, r *http.Request, res *ledger.RedemptionResult) {
	if res.AlreadyRedeemed {
		middleware.MarkRedeemReplay(r.Context())
	}
	respond.JSON(w, http.StatusOK, res)
}
