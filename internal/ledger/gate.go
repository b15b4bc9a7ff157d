package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

// DebitRequest asks the usage gate for one billable unit.
type DebitRequest struct {
	Fingerprint string
	// Mode tags the debit for reporting; empty means general.
	Mode string
}

// DebitResult is a granted reservation. ReservationID identifies the debit
// for a later Refund.
type DebitResult struct {
	ReservationID uuid.UUID      `json:"reservationId"`
	Class         string         `json:"creditClass"`
	Balance       models.Balance `json:"balances"`
}

// RefundRequest reverses a debit. A nil ReservationID refunds the most
// recent debit that has not been refunded yet.
type RefundRequest struct {
	Fingerprint   string
	ReservationID *uuid.UUID
}

// RefundResult reports whether a unit was given back. Refunded is false when
// there was nothing outstanding to reverse.
type RefundResult struct {
	Refunded bool           `json:"refunded"`
	Class    string         `json:"creditClass,omitempty"`
	Balance  models.Balance `json:"balances"`
}

// TryDebit consumes one unit: a free trial while any remain, otherwise one
// purchased credit. It fails with ErrInsufficientCredit and changes nothing
// when the account has no units left.
func (e *Engine) TryDebit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if err := CheckFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeGeneral
	}
	if mode != models.ModeGeneral && mode != models.ModeLegal {
		return nil, InvalidRequest("mode must be general or legal")
	}

	var res *DebitResult
	err := e.inTx(ctx, "debit", func(tx pgx.Tx) error {
		acc, err := e.ensureAccount(ctx, tx, req.Fingerprint)
		if err != nil {
			return err
		}
		if acc.Available() <= 0 {
			return ErrInsufficientCredit
		}

		now := e.now()
		entry := &models.LedgerEntry{
			ID:          uuid.New(),
			Fingerprint: req.Fingerprint,
			Amount:      1,
			Mode:        mode,
			CreatedAt:   now,
		}
		if acc.FreeTrialsRemaining() > 0 {
			acc, err = e.Accounts.DebitTrial(ctx, tx, req.Fingerprint, models.FreeTrialQuota, now)
			entry.EntryType = models.EntryTrialDebit
			entry.CreditClass = models.ClassTrial
		} else {
			acc, err = e.Accounts.DebitPurchased(ctx, tx, req.Fingerprint, now)
			entry.EntryType = models.EntryCreditDebit
			entry.CreditClass = models.ClassPurchased
		}
		if errors.Is(err, pgx.ErrNoRows) {
			// The row is locked, so a missed guard means the snapshot is stale.
			return ErrTxConflict
		}
		if err != nil {
			return err
		}
		if entry.CreditClass == models.ClassPurchased {
			if err := e.Activations.TouchRedemptions(ctx, tx, req.Fingerprint, now); err != nil {
				return err
			}
		}
		entry.TrialRemainingAfter = acc.FreeTrialsRemaining()
		entry.PurchasedRemainingAfter = acc.PurchasedCreditsRemaining
		if err := e.Entries.Append(ctx, tx, entry); err != nil {
			return err
		}
		res = &DebitResult{
			ReservationID: entry.ID,
			Class:         entry.CreditClass,
			Balance:       acc.Balance(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			e.observer().DebitRejected()
			e.logger().Debug("debit rejected", "fingerprint", req.Fingerprint)
		}
		return nil, err
	}
	e.observer().Debit(res.Class)
	e.logger().Info("debit applied",
		"fingerprint", req.Fingerprint,
		"class", res.Class,
		"reservation_id", res.ReservationID,
		"total_available", res.Balance.TotalAvailable,
	)
	return res, nil
}

// Refund gives back the unit taken by one debit, restoring the class it was
// drawn from. Each debit is refunded at most once.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := CheckFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}

	var res *RefundResult
	err := e.inTx(ctx, "refund", func(tx pgx.Tx) error {
		acc, err := e.ensureAccount(ctx, tx, req.Fingerprint)
		if err != nil {
			return err
		}

		var debit *models.LedgerEntry
		if req.ReservationID != nil {
			debit, err = e.Entries.GetDebitForUpdate(ctx, tx, req.Fingerprint, *req.ReservationID)
		} else {
			debit, err = e.Entries.LatestOutstandingDebit(ctx, tx, req.Fingerprint)
		}
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && debit.RefundedBy != nil) {
			res = &RefundResult{Balance: acc.Balance()}
			return nil
		}
		if err != nil {
			return err
		}

		now := e.now()
		switch debit.CreditClass {
		case models.ClassTrial:
			acc, err = e.Accounts.RestoreTrial(ctx, tx, req.Fingerprint, now)
		default:
			acc, err = e.Accounts.RestorePurchased(ctx, tx, req.Fingerprint, now)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTxConflict
		}
		if err != nil {
			return err
		}

		refund := &models.LedgerEntry{
			ID:                      uuid.New(),
			Fingerprint:             req.Fingerprint,
			EntryType:               models.EntryRefund,
			CreditClass:             debit.CreditClass,
			Amount:                  1,
			Reference:               debit.ID.String(),
			Mode:                    debit.Mode,
			TrialRemainingAfter:     acc.FreeTrialsRemaining(),
			PurchasedRemainingAfter: acc.PurchasedCreditsRemaining,
			CreatedAt:               now,
		}
		if err := e.Entries.Append(ctx, tx, refund); err != nil {
			return err
		}
		if err := e.Entries.MarkRefunded(ctx, tx, debit.ID, refund.ID); err != nil {
			return err
		}
		res = &RefundResult{Refunded: true, Class: debit.CreditClass, Balance: acc.Balance()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Refunded {
		e.observer().Refund(res.Class)
		e.logger().Info("debit refunded", "fingerprint", req.Fingerprint, "class", res.Class)
	}
	return res, nil
}
