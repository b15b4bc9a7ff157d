package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

const accountColumns = `fingerprint, free_trials_used, free_trials_refunded, purchased_credits_remaining, total_credits_granted, credits_consumed, created_at, last_updated`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.Fingerprint, &a.FreeTrialsUsed, &a.FreeTrialsRefunded, &a.PurchasedCreditsRemaining, &a.TotalCreditsEverGranted, &a.CreditsConsumed, &a.CreatedAt, &a.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Ensure creates the account row on first sight. Concurrent callers for the
// same fingerprint all succeed and leave exactly one row.
func (r *AccountRepo) Ensure(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (fingerprint, created_at, last_updated)
		VALUES ($1, $2, $2)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, now)
	return err
}

// GetForUpdate locks the account row. Call within a transaction.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE fingerprint = $1 FOR UPDATE`, fingerprint))
}

// DebitTrial consumes one free trial if fewer than quota are net of refunds.
// Returns pgx.ErrNoRows when the guard does not hold.
func (r *AccountRepo) DebitTrial(ctx context.Context, tx pgx.Tx, fingerprint string, quota int, now time.Time) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET free_trials_used = free_trials_used + 1, credits_consumed = credits_consumed + 1, last_updated = $3
		WHERE fingerprint = $1 AND free_trials_used - free_trials_refunded < $2
		RETURNING `+accountColumns, fingerprint, quota, now))
}

// DebitPurchased consumes one purchased credit if any remain.
func (r *AccountRepo) DebitPurchased(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET purchased_credits_remaining = purchased_credits_remaining - 1, credits_consumed = credits_consumed + 1, last_updated = $2
		WHERE fingerprint = $1 AND purchased_credits_remaining >= 1
		RETURNING `+accountColumns, fingerprint, now))
}

// RestoreTrial gives back one free trial by counting it as refunded;
// free_trials_used is never decremented.
func (r *AccountRepo) RestoreTrial(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET free_trials_refunded = free_trials_refunded + 1, credits_consumed = GREATEST(credits_consumed - 1, 0), last_updated = $2
		WHERE fingerprint = $1 AND free_trials_refunded < free_trials_used
		RETURNING `+accountColumns, fingerprint, now))
}

// RestorePurchased gives back one purchased credit.
func (r *AccountRepo) RestorePurchased(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET purchased_credits_remaining = purchased_credits_remaining + 1, credits_consumed = GREATEST(credits_consumed - 1, 0), last_updated = $2
		WHERE fingerprint = $1
		RETURNING `+accountColumns, fingerprint, now))
}

// Grant adds purchased credits and bumps the lifetime total.
func (r *AccountRepo) Grant(ctx context.Context, tx pgx.Tx, fingerprint string, amount int, now time.Time) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET purchased_credits_remaining = purchased_credits_remaining + $2, total_credits_granted = total_credits_granted + $2, last_updated = $3
		WHERE fingerprint = $1
		RETURNING `+accountColumns, fingerprint, amount, now))
}
