package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bryaninjapan/englisheditor/internal/jobs"
	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/models"
	"github.com/bryaninjapan/englisheditor/internal/respond"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

// codeUpstream is reported when the text generator fails after a debit.
const codeUpstream = "UPSTREAM_ERROR"

// Generator produces polished text. *services.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, req services.GenerateRequest) (string, error)
}

// RefundEnqueuer schedules a durable refund. *jobs.Enqueuer implements it.
type RefundEnqueuer interface {
	EnqueueRefund(ctx context.Context, args jobs.RefundUsageArgs) error
}

// GenerationObserver counts generator outcomes. *metrics.Metrics implements it.
type GenerationObserver interface {
	Generation(outcome string)
}

// PolishHandler reserves one unit, calls the generator and gives the unit
// back when the generator fails.
type PolishHandler struct {
	Ledger    Ledger
	Generator Generator
	Refunds   RefundEnqueuer
	Observer  GenerationObserver
	Validator *services.Validator
	Logger    *slog.Logger
}

type polishRequest struct {
	Fingerprint  string `json:"fingerprint"`
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt"`
	Model        string `json:"model"`
	Mode         string `json:"mode"`
}

type polishResponse struct {
	Content       string         `json:"content"`
	ReservationID uuid.UUID      `json:"reservationId"`
	Balance       models.Balance `json:"balances"`
}

type upstreamErrorBody struct {
	Error    string         `json:"error"`
	Code     string         `json:"code"`
	Refunded bool           `json:"refunded"`
	Balance  models.Balance `json:"balances"`
}

func (h *PolishHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *PolishHandler) observe(outcome string) {
	if h.Observer != nil {
		h.Observer.Generation(outcome)
	}
}

// polishMode tags prompts that ask for legal review.
func polishMode(req polishRequest) string {
	if req.Mode != "" {
		return req.Mode
	}
	if strings.Contains(req.SystemPrompt, "Legal") {
		return models.ModeLegal
	}
	return models.ModeGeneral
}

// Polish handles POST /polish.
func (h *PolishHandler) Polish(w http.ResponseWriter, r *http.Request) {
	var req polishRequest
	if err := decodeBody(r, h.Validator, services.SchemaPolish, &req); err != nil {
		respond.Error(w, h.log(), err)
		return
	}
	debit, err := h.Ledger.TryDebit(r.Context(), ledger.DebitRequest{Fingerprint: req.Fingerprint, Mode: polishMode(req)})
	if err != nil {
		respond.Error(w, h.log(), err)
		return
	}

	content, genErr := h.Generator.Generate(r.Context(), services.GenerateRequest{
		Text:         req.Text,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
	})
	if genErr == nil {
		h.observe("success")
		respond.JSON(w, http.StatusOK, polishResponse{Content: content, ReservationID: debit.ReservationID, Balance: debit.Balance})
		return
	}
	h.observe("failure")
	h.log().Warn("generation failed, refunding", "fingerprint", req.Fingerprint, "reservation_id", debit.ReservationID, "error", genErr)

	// The refund must commit even when the client has gone away.
	ctx := context.WithoutCancel(r.Context())
	body := upstreamErrorBody{Error: generationMessage(genErr), Code: codeUpstream, Balance: debit.Balance}
	id := debit.ReservationID
	res, err := h.Ledger.Refund(ctx, ledger.RefundRequest{Fingerprint: req.Fingerprint, ReservationID: &id})
	switch {
	case err == nil:
		body.Refunded = res.Refunded
		body.Balance = res.Balance
	case errors.Is(err, ledger.ErrStorage) && h.Refunds != nil:
		if qerr := h.Refunds.EnqueueRefund(ctx, jobs.RefundUsageArgs{
			Fingerprint:   req.Fingerprint,
			ReservationID: id,
			Reason:        "generation_failed",
		}); qerr != nil {
			h.log().Error("refund enqueue failed", "fingerprint", req.Fingerprint, "reservation_id", id, "error", qerr)
		} else {
			h.log().Info("refund deferred to job", "fingerprint", req.Fingerprint, "reservation_id", id)
		}
	default:
		h.log().Error("inline refund failed", "fingerprint", req.Fingerprint, "reservation_id", id, "error", err)
	}
	respond.JSON(w, generationStatus(genErr), body)
}

func generationStatus(err error) int {
	if errors.Is(err, services.ErrGeneratorNotConfigured) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func generationMessage(err error) string {
	var ge *services.GenerationError
	if errors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	if errors.Is(err, services.ErrGeneratorNotConfigured) {
		return "text generation is not configured"
	}
	return "text generation failed"
}
