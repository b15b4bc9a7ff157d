package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/codes"
	"github.com/bryaninjapan/englisheditor/internal/models"
)

// Code types reported in RedemptionResult and metrics.
const (
	CodeTypeActivation = "activation"
	CodeTypeInvite     = "invite"
)

// RedemptionResult describes an applied (or replayed) code redemption.
type RedemptionResult struct {
	CodeType        string         `json:"codeType"`
	Code            string         `json:"code"`
	CreditsAdded    int            `json:"creditsAdded"`
	AlreadyRedeemed bool           `json:"alreadyRedeemed"`
	RedeemedAt      time.Time      `json:"redeemedAt"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	Balance         models.Balance `json:"balances"`
}

// RedeemActivationCode binds an activation code to the device and credits
// its purchased balance. A device that already redeemed the code gets its
// prior grant back with CreditsAdded zero.
func (e *Engine) RedeemActivationCode(ctx context.Context, rawCode, fingerprint string) (*RedemptionResult, error) {
	if err := CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	code, err := codes.NormalizeActivation(rawCode)
	if err != nil {
		e.observer().Redemption(CodeTypeActivation, string(KindMalformedCode))
		return nil, ErrMalformedCode
	}

	var (
		res     *RedemptionResult
		expired bool
	)
	err = e.inTx(ctx, "redeem_activation", func(tx pgx.Tx) error {
		res, expired = nil, false
		ac, err := e.Activations.GetForUpdate(ctx, tx, code)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		// Revocation always wins, even over a replay.
		if ac.Status == models.CodeStatusRevoked {
			return CodeInactive(ac.Status)
		}

		now := e.now()
		prior, err := e.Activations.FindRedemption(ctx, tx, code, fingerprint)
		switch {
		case err == nil:
			// A replay still succeeds after expiry, but the code moves to
			// expired like it would for any other device.
			if ac.Status == models.CodeStatusActive && ac.ExpiredAt(now) {
				if err := e.Activations.MarkExpired(ctx, tx, code, now); err != nil {
					return err
				}
			}
			acc, err := e.ensureAccount(ctx, tx, fingerprint)
			if err != nil {
				return err
			}
			res = &RedemptionResult{
				CodeType:        CodeTypeActivation,
				Code:            code,
				AlreadyRedeemed: true,
				RedeemedAt:      prior.RedeemedAt,
				ExpiresAt:       ac.ExpiresAt,
				Balance:         acc.Balance(),
			}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		switch ac.Status {
		case models.CodeStatusActive:
		case models.CodeStatusUsed:
			// used means every device slot is taken.
			return ErrCodeExhausted
		default:
			return CodeInactive(ac.Status)
		}
		if ac.ExpiredAt(now) {
			// The transition to expired is persisted even though the
			// redemption fails.
			if err := e.Activations.MarkExpired(ctx, tx, code, now); err != nil {
				return err
			}
			expired = true
			return nil
		}
		if ac.RedemptionCount >= ac.MaxRedemptions {
			return ErrCodeExhausted
		}

		red := &models.Redemption{
			ID:             uuid.New(),
			Code:           code,
			Fingerprint:    fingerprint,
			CreditsGranted: ac.CreditsPerRedemption,
			RedeemedAt:     now,
			LastUsedAt:     now,
		}
		if err := e.Activations.InsertRedemption(ctx, tx, red); err != nil {
			return err
		}
		if _, err := e.Activations.ConsumeSlot(ctx, tx, code, now); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCodeExhausted
			}
			return err
		}
		if _, err := e.ensureAccount(ctx, tx, fingerprint); err != nil {
			return err
		}
		acc, err := e.Accounts.Grant(ctx, tx, fingerprint, ac.CreditsPerRedemption, now)
		if err != nil {
			return err
		}
		if err := e.Entries.Append(ctx, tx, &models.LedgerEntry{
			ID:                      uuid.New(),
			Fingerprint:             fingerprint,
			EntryType:               models.EntryActivationGrant,
			CreditClass:             models.ClassPurchased,
			Amount:                  ac.CreditsPerRedemption,
			Reference:               code,
			TrialRemainingAfter:     acc.FreeTrialsRemaining(),
			PurchasedRemainingAfter: acc.PurchasedCreditsRemaining,
			CreatedAt:               now,
		}); err != nil {
			return err
		}
		res = &RedemptionResult{
			CodeType:     CodeTypeActivation,
			Code:         code,
			CreditsAdded: ac.CreditsPerRedemption,
			RedeemedAt:   now,
			ExpiresAt:    ac.ExpiresAt,
			Balance:      acc.Balance(),
		}
		return nil
	})
	if err == nil && expired {
		err = ErrCodeExpired
	}
	if err != nil {
		e.observer().Redemption(CodeTypeActivation, string(KindOf(err)))
		e.logRedeemFailure(CodeTypeActivation, code, fingerprint, err)
		return nil, err
	}
	e.observer().Redemption(CodeTypeActivation, redemptionOutcome(res))
	e.logger().Info("activation code redeemed",
		"code", codes.Mask(code),
		"fingerprint", fingerprint,
		"credits_added", res.CreditsAdded,
		"already_redeemed", res.AlreadyRedeemed,
	)
	return res, nil
}

// VerifyResult reports whether the device's latest activation still holds.
type VerifyResult struct {
	Activated  bool           `json:"activated"`
	Valid      bool           `json:"valid"`
	Code       string         `json:"code,omitempty"`
	Status     string         `json:"status,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	RedeemedAt *time.Time     `json:"redeemedAt,omitempty"`
	Balance    models.Balance `json:"balances"`
}

// VerifyActivation looks up the most recent activation redeemed on the
// device. A valid activation has its lastUsedAt refreshed.
func (e *Engine) VerifyActivation(ctx context.Context, fingerprint string) (*VerifyResult, error) {
	if err := CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	var res *VerifyResult
	err := e.inTx(ctx, "verify_activation", func(tx pgx.Tx) error {
		acc, err := e.ensureAccount(ctx, tx, fingerprint)
		if err != nil {
			return err
		}
		res = &VerifyResult{Balance: acc.Balance()}
		red, ac, err := e.Activations.LatestForDevice(ctx, tx, fingerprint)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.now()
		res.Activated = true
		res.Code = ac.Code
		res.Status = ac.Status
		res.ExpiresAt = ac.ExpiresAt
		res.RedeemedAt = &red.RedeemedAt
		res.Valid = (ac.Status == models.CodeStatusActive || ac.Status == models.CodeStatusUsed) && !ac.ExpiredAt(now)
		if res.Valid {
			return e.Activations.TouchRedemptions(ctx, tx, fingerprint, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func redemptionOutcome(res *RedemptionResult) string {
	if res.AlreadyRedeemed {
		return "replay"
	}
	return "success"
}

func (e *Engine) logRedeemFailure(codeType, code, fingerprint string, err error) {
	if KindOf(err) == KindStorage {
		e.logger().Error("redemption failed", "type", codeType, "code", codes.Mask(code), "fingerprint", fingerprint, "error", err)
		return
	}
	e.logger().Debug("redemption rejected", "type", codeType, "code", codes.Mask(code), "fingerprint", fingerprint, "reason", KindOf(err))
}
