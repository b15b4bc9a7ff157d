package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

const maxFingerprintLen = 256

// CheckFingerprint rejects empty or oversized fingerprints. The value is
// otherwise opaque and never checked for authenticity.
func CheckFingerprint(fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return InvalidRequest("fingerprint is required")
	}
	if len(fingerprint) > maxFingerprintLen {
		return InvalidRequest("fingerprint is too long")
	}
	return nil
}

// Resolve returns the account for fingerprint, creating it with zeroed
// counters on first sight. Concurrent first contact is safe: creation is an
// idempotent upsert.
func (e *Engine) Resolve(ctx context.Context, fingerprint string) (*models.Account, error) {
	if err := CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	var acc *models.Account
	err := e.inTx(ctx, "resolve", func(tx pgx.Tx) error {
		var err error
		acc, err = e.ensureAccount(ctx, tx, fingerprint)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// ensureAccount creates the account row if needed and returns it locked.
func (e *Engine) ensureAccount(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.Account, error) {
	if err := e.Accounts.Ensure(ctx, tx, fingerprint, e.now()); err != nil {
		return nil, err
	}
	acc, err := e.Accounts.GetForUpdate(ctx, tx, fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		// Ensure just inserted or found the row; losing it means a concurrent
		// writer interfered.
		return nil, ErrTxConflict
	}
	return acc, err
}
