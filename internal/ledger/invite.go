package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/codes"
	"github.com/bryaninjapan/englisheditor/internal/models"
)

// RedeemInviteCode spends a single-use invite code: the creator and the
// redeeming device each receive the code's creditsPerUse. A device can be
// the invitee of at most one invite code, ever.
func (e *Engine) RedeemInviteCode(ctx context.Context, rawCode, fingerprint string) (*RedemptionResult, error) {
	if err := CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	key := codes.InviteKey(rawCode)

	var res *RedemptionResult
	err := e.inTx(ctx, "redeem_invite", func(tx pgx.Tx) error {
		res = nil
		if key == "" {
			return ErrCodeNotFound
		}
		inv, err := e.Invites.GetByKeyForUpdate(ctx, tx, key)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		// Self-redemption is refused whatever state the code is in.
		if inv.CreatorFingerprint == fingerprint {
			return ErrSelfRedemptionForbidden
		}
		if inv.Status != models.CodeStatusActive {
			return CodeInactive(inv.Status)
		}
		if inv.UsedByFingerprint != nil {
			return ErrCodeAlreadyUsed
		}
		used, err := e.Invites.HasInviteeRedemption(ctx, tx, fingerprint)
		if err != nil {
			return err
		}
		if used {
			return ErrInviteQuotaExhausted
		}

		now := e.now()
		if err := e.Invites.MarkUsed(ctx, tx, inv.Code, fingerprint, now); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCodeAlreadyUsed
			}
			return err
		}

		// Both accounts are locked in a fixed order so two invites crossing
		// between the same pair of devices cannot deadlock.
		parties := []string{inv.CreatorFingerprint, fingerprint}
		sort.Strings(parties)
		for _, fp := range parties {
			if _, err := e.ensureAccount(ctx, tx, fp); err != nil {
				return err
			}
		}

		var invitee *models.Account
		for _, fp := range []string{inv.CreatorFingerprint, fingerprint} {
			acc, err := e.Accounts.Grant(ctx, tx, fp, inv.CreditsPerUse, now)
			if err != nil {
				return err
			}
			if err := e.Entries.Append(ctx, tx, &models.LedgerEntry{
				ID:                      uuid.New(),
				Fingerprint:             fp,
				EntryType:               models.EntryInviteGrant,
				CreditClass:             models.ClassPurchased,
				Amount:                  inv.CreditsPerUse,
				Reference:               inv.Code,
				TrialRemainingAfter:     acc.FreeTrialsRemaining(),
				PurchasedRemainingAfter: acc.PurchasedCreditsRemaining,
				CreatedAt:               now,
			}); err != nil {
				return err
			}
			invitee = acc
		}

		if err := e.Invites.InsertRedemption(ctx, tx, &models.InviteRedemption{
			ID:                 uuid.New(),
			InviteCode:         inv.Code,
			InviterFingerprint: inv.CreatorFingerprint,
			InviteeFingerprint: fingerprint,
			CreditsGiven:       inv.CreditsPerUse,
			RedeemedAt:         now,
		}); err != nil {
			return err
		}
		res = &RedemptionResult{
			CodeType:     CodeTypeInvite,
			Code:         inv.Code,
			CreditsAdded: inv.CreditsPerUse,
			RedeemedAt:   now,
			Balance:      invitee.Balance(),
		}
		return nil
	})
	if err != nil {
		e.observer().Redemption(CodeTypeInvite, string(KindOf(err)))
		e.logRedeemFailure(CodeTypeInvite, key, fingerprint, err)
		return nil, err
	}
	e.observer().Redemption(CodeTypeInvite, redemptionOutcome(res))
	e.logger().Info("invite code redeemed",
		"code", codes.Mask(res.Code),
		"fingerprint", fingerprint,
		"credits_added", res.CreditsAdded,
	)
	return res, nil
}
