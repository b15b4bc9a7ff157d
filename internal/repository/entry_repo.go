package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

const entryColumns = `id, fingerprint, entry_type, credit_class, amount, reference, mode, trial_remaining_after, purchased_remaining_after, refunded_by, created_at`

// EntryRepo stores the append-only ledger_entries audit trail.
type EntryRepo struct {
	pool *pgxpool.Pool
}

func NewEntryRepo(pool *pgxpool.Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.Fingerprint, &e.EntryType, &e.CreditClass, &e.Amount, &e.Reference, &e.Mode,
		&e.TrialRemainingAfter, &e.PurchasedRemainingAfter, &e.RefundedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Append inserts a ledger entry inside the given transaction.
func (r *EntryRepo) Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Fingerprint, e.EntryType, e.CreditClass, e.Amount, e.Reference, e.Mode,
		e.TrialRemainingAfter, e.PurchasedRemainingAfter, e.RefundedBy, e.CreatedAt)
	return err
}

// LatestOutstandingDebit locks the newest debit of fingerprint that has not
// been refunded.
func (r *EntryRepo) LatestOutstandingDebit(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE fingerprint = $1 AND entry_type IN ('trial_debit', 'credit_debit') AND refunded_by IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, fingerprint))
}

// GetDebitForUpdate locks one debit entry belonging to fingerprint.
func (r *EntryRepo) GetDebitForUpdate(ctx context.Context, tx pgx.Tx, fingerprint string, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE id = $1 AND fingerprint = $2 AND entry_type IN ('trial_debit', 'credit_debit')
		FOR UPDATE
	`, id, fingerprint))
}

// MarkRefunded links a debit to the refund entry that reversed it.
func (r *EntryRepo) MarkRefunded(ctx context.Context, tx pgx.Tx, debitID, refundID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET refunded_by = $2 WHERE id = $1 AND refunded_by IS NULL
	`, debitID, refundID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListByFingerprint returns the newest entries of one device.
func (r *EntryRepo) ListByFingerprint(ctx context.Context, fingerprint string, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE fingerprint = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, fingerprint, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, func(rows pgx.Rows) (*models.LedgerEntry, error) { return scanEntry(rows) })
}
