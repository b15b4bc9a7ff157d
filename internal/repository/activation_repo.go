package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

const activationColumns = `code, kind, status, credits_per_redemption, max_redemptions, redemption_count, expires_at, metadata, created_by, created_at, updated_at`

const redemptionColumns = `id, code, fingerprint, credits_granted, redeemed_at, last_used_at`

// ActivationRepo covers the activation_codes and activation_redemptions
// tables used while redeeming.
type ActivationRepo struct {
	pool *pgxpool.Pool
}

func NewActivationRepo(pool *pgxpool.Pool) *ActivationRepo {
	return &ActivationRepo{pool: pool}
}

func scanActivation(row pgx.Row) (*models.ActivationCode, error) {
	var c models.ActivationCode
	err := row.Scan(&c.Code, &c.Kind, &c.Status, &c.CreditsPerRedemption, &c.MaxRedemptions, &c.RedemptionCount,
		&c.ExpiresAt, &c.Metadata, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRedemption(row pgx.Row) (*models.Redemption, error) {
	var r models.Redemption
	if err := row.Scan(&r.ID, &r.Code, &r.Fingerprint, &r.CreditsGranted, &r.RedeemedAt, &r.LastUsedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetForUpdate locks the code row so status changes serialize with redemptions.
func (r *ActivationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.ActivationCode, error) {
	return scanActivation(tx.QueryRow(ctx, `SELECT `+activationColumns+` FROM activation_codes WHERE code = $1 FOR UPDATE`, code))
}

func (r *ActivationRepo) MarkExpired(ctx context.Context, tx pgx.Tx, code string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE activation_codes SET status = 'expired', updated_at = $2
		WHERE code = $1 AND status = 'active'
	`, code, now)
	return err
}

func (r *ActivationRepo) FindRedemption(ctx context.Context, tx pgx.Tx, code, fingerprint string) (*models.Redemption, error) {
	return scanRedemption(tx.QueryRow(ctx, `
		SELECT `+redemptionColumns+` FROM activation_redemptions WHERE code = $1 AND fingerprint = $2
	`, code, fingerprint))
}

// InsertRedemption fails with a unique violation when the device already
// holds this code.
func (r *ActivationRepo) InsertRedemption(ctx context.Context, tx pgx.Tx, red *models.Redemption) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO activation_redemptions (`+redemptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, red.ID, red.Code, red.Fingerprint, red.CreditsGranted, red.RedeemedAt, red.LastUsedAt)
	return err
}

// ConsumeSlot takes one device slot, flipping the code to used when the last
// slot goes. Returns pgx.ErrNoRows when the code is not active or full.
func (r *ActivationRepo) ConsumeSlot(ctx context.Context, tx pgx.Tx, code string, now time.Time) (*models.ActivationCode, error) {
	return scanActivation(tx.QueryRow(ctx, `
		UPDATE activation_codes
		SET redemption_count = redemption_count + 1,
		    status = CASE WHEN redemption_count + 1 >= max_redemptions THEN 'used' ELSE status END,
		    updated_at = $2
		WHERE code = $1 AND status = 'active' AND redemption_count < max_redemptions
		RETURNING `+activationColumns, code, now))
}

func (r *ActivationRepo) TouchRedemptions(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE activation_redemptions SET last_used_at = $2 WHERE fingerprint = $1`, fingerprint, now)
	return err
}

// LatestForDevice returns the newest redemption of the device with its code.
func (r *ActivationRepo) LatestForDevice(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.Redemption, *models.ActivationCode, error) {
	var (
		red models.Redemption
		c   models.ActivationCode
	)
	err := tx.QueryRow(ctx, `
		SELECT r.id, r.code, r.fingerprint, r.credits_granted, r.redeemed_at, r.last_used_at,
		       c.code, c.kind, c.status, c.credits_per_redemption, c.max_redemptions, c.redemption_count,
		       c.expires_at, c.metadata, c.created_by, c.created_at, c.updated_at
		FROM activation_redemptions r
		JOIN activation_codes c ON c.code = r.code
		WHERE r.fingerprint = $1
		ORDER BY r.redeemed_at DESC
		LIMIT 1
	`, fingerprint).Scan(&red.ID, &red.Code, &red.Fingerprint, &red.CreditsGranted, &red.RedeemedAt, &red.LastUsedAt,
		&c.Code, &c.Kind, &c.Status, &c.CreditsPerRedemption, &c.MaxRedemptions, &c.RedemptionCount,
		&c.ExpiresAt, &c.Metadata, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	return &red, &c, nil
}
