package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

const inviteColumns = `code, creator_fingerprint, credits_per_use, status, used_by_fingerprint, used_at, created_at`

// InviteRepo covers invite_codes and invite_redemptions.
type InviteRepo struct {
	pool *pgxpool.Pool
}

func NewInviteRepo(pool *pgxpool.Pool) *InviteRepo {
	return &InviteRepo{pool: pool}
}

func scanInvite(row pgx.Row) (*models.InviteCode, error) {
	var inv models.InviteCode
	err := row.Scan(&inv.Code, &inv.CreatorFingerprint, &inv.CreditsPerUse, &inv.Status, &inv.UsedByFingerprint, &inv.UsedAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetByKeyForUpdate looks a code up by its dashless uppercase key and locks it.
func (r *InviteRepo) GetByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (*models.InviteCode, error) {
	return scanInvite(tx.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invite_codes WHERE code_key = $1 FOR UPDATE`, key))
}

func (r *InviteRepo) HasInviteeRedemption(ctx context.Context, tx pgx.Tx, fingerprint string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invite_redemptions WHERE invitee_fingerprint = $1)`, fingerprint).Scan(&exists)
	return exists, err
}

// MarkUsed flips an active, unused code to used. Returns pgx.ErrNoRows when
// someone else got there first.
func (r *InviteRepo) MarkUsed(ctx context.Context, tx pgx.Tx, code, usedBy string, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE invite_codes SET status = 'used', used_by_fingerprint = $2, used_at = $3
		WHERE code = $1 AND status = 'active' AND used_by_fingerprint IS NULL
	`, code, usedBy, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// InsertRedemption records the audit row. invitee_fingerprint is unique, so
// a second invite for the same device fails with a unique violation.
func (r *InviteRepo) InsertRedemption(ctx context.Context, tx pgx.Tx, red *models.InviteRedemption) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO invite_redemptions (id, invite_code, inviter_fingerprint, invitee_fingerprint, credits_given, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, red.ID, red.InviteCode, red.InviterFingerprint, red.InviteeFingerprint, red.CreditsGiven, red.RedeemedAt)
	return err
}
