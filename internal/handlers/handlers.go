// Package handlers serves the device-facing endpoints: identity, usage,
// code redemption and text polishing.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/models"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

// Ledger is the engine surface the handlers use. *ledger.Engine implements it.
type Ledger interface {
	Resolve(ctx context.Context, fingerprint string) (*models.Account, error)
	TryDebit(ctx context.Context, req ledger.DebitRequest) (*ledger.DebitResult, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.RefundResult, error)
	RedeemActivationCode(ctx context.Context, rawCode, fingerprint string) (*ledger.RedemptionResult, error)
	RedeemInviteCode(ctx context.Context, rawCode, fingerprint string) (*ledger.RedemptionResult, error)
	VerifyActivation(ctx context.Context, fingerprint string) (*ledger.VerifyResult, error)
}

// decodeBody validates the body against schema before unmarshalling into dst.
func decodeBody(r *http.Request, v *services.Validator, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, middleware.MaxBodyBytes))
	if err != nil {
		return ledger.InvalidRequest("failed to read body")
	}
	if err := v.Validate(schema, body); err != nil {
		return ledger.InvalidRequest(err.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return ledger.InvalidRequest("invalid JSON body")
	}
	return nil
}
