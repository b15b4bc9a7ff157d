package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/models"
	"github.com/bryaninjapan/englisheditor/internal/respond"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

type IssueResponse struct {
	Codes []*models.ActivationCode `json:"codes"`
	Count int                      `json:"count"`
}

// IssueFailure is the error body for a batch that stopped part way. Codes
// stored before the failure are active and listed here.
type IssueFailure struct {
	Error string                   `json:"error"`
	Code  string                   `json:"code"`
	Codes []*models.ActivationCode `json:"codes"`
	Count int                      `json:"count"`
}

type RevokeRequest struct {
	Code string `json:"code"`
}

type InviteRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type InviteResponse struct {
	InviteCode    string `json:"inviteCode"`
	CreditsPerUse int    `json:"creditsPerUse"`
}

type InviteListResponse struct {
	Invites []*models.InviteCode `json:"invites"`
}

type DevicesResponse struct {
	Code    string               `json:"code"`
	Devices []*models.Redemption `json:"devices"`
}

type Handler struct {
	svc       Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// decode validates the body against schema before unmarshalling into dst.
func (h *Handler) decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, middleware.MaxBodyBytes))
	if err != nil {
		return ledger.InvalidRequest("failed to read body")
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := h.validator.Validate(schema, body); err != nil {
		return ledger.InvalidRequest(err.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return ledger.InvalidRequest("invalid JSON body")
	}
	return nil
}

// POST /codes/activation/issue (admin)
func (h *Handler) IssueActivationCodes(w http.ResponseWriter, r *http.Request) {
	var p IssueParams
	if err := h.decode(r, services.SchemaActivationIssue, &p); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	p.CreatedBy = middleware.AdminFromCtx(r.Context())
	list, err := h.svc.IssueActivationCodes(r.Context(), p)
	if err != nil && len(list) > 0 {
		msg := "issue activation codes failed"
		var le *ledger.Error
		if errors.As(err, &le) {
			msg = le.Message
		}
		kind := ledger.KindOf(err)
		h.log.Error("activation batch incomplete", "issued", len(list), "requested", p.Count, "error", err)
		respond.JSON(w, respond.StatusFor(kind, ""), IssueFailure{Error: msg, Code: string(kind), Codes: list, Count: len(list)})
		return
	}
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, IssueResponse{Codes: list, Count: len(list)})
}

// GET /codes/activation (admin)
func (h *Handler) ListActivationCodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{
		Status: q.Get("status"),
		Kind:   q.Get("kind"),
		Search: q.Get("search"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		respond.Error(w, h.log, ledger.InvalidRequest("page must be a number"))
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		respond.Error(w, h.log, ledger.InvalidRequest("limit must be a number"))
		return
	}
	page, err := h.svc.ListActivationCodes(r.Context(), f)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, page)
}

// POST /codes/activation/revoke (admin)
func (h *Handler) RevokeActivationCode(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := h.decode(r, services.SchemaActivationRevoke, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	c, err := h.svc.RevokeActivationCode(r.Context(), req.Code)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	h.log.Info("activation code revoked by admin", "admin", middleware.AdminFromCtx(r.Context()))
	respond.JSON(w, http.StatusOK, c)
}

// GET /codes/activation/{code}/devices (admin)
func (h *Handler) ActivationDevices(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	list, err := h.svc.ActivationDevices(r.Context(), code)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, DevicesResponse{Code: code, Devices: list})
}

// POST /codes/invite/generate
func (h *Handler) GenerateInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if err := h.decode(r, services.SchemaFingerprint, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	inv, err := h.svc.GenerateInvite(r.Context(), req.Fingerprint)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, InviteResponse{InviteCode: inv.Code, CreditsPerUse: inv.CreditsPerUse})
}

// GET /codes/invite?fingerprint=
func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.InvitesByCreator(r.Context(), r.URL.Query().Get("fingerprint"))
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, InviteListResponse{Invites: list})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
