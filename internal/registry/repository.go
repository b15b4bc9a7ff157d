package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bryaninjapan/englisheditor/internal/codes"
	"github.com/bryaninjapan/englisheditor/internal/models"
)

// errDuplicateCode is returned by the create methods when the generated code
// already exists.
var errDuplicateCode = errors.New("duplicate code")

// Repository is the admin side of the code registry. It runs single
// statements against the pool; redemption-time locking lives in the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) CreateActivation(ctx context.Context, c *models.ActivationCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activation_codes (
			code, kind, status, credits_per_redemption, max_redemptions,
			redemption_count, expires_at, metadata, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
	`, c.Code, c.Kind, c.Status, c.CreditsPerRedemption, c.MaxRedemptions, c.ExpiresAt, c.Metadata, c.CreatedBy, c.CreatedAt)
	if isUniqueViolation(err) {
		return errDuplicateCode
	}
	return err
}

func (r *Repository) CreateInvite(ctx context.Context, inv *models.InviteCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invite_codes (code, code_key, creator_fingerprint, credits_per_use, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inv.Code, codes.InviteKey(inv.Code), inv.CreatorFingerprint, inv.CreditsPerUse, inv.Status, inv.CreatedAt)
	if isUniqueViolation(err) {
		return errDuplicateCode
	}
	return err
}

// ListActivations returns one page of codes matching f and the total number
// of matches.
func (r *Repository) ListActivations(ctx context.Context, f ListFilter) ([]*CodeSummary, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("c.kind = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+strings.ToUpper(f.Search)+"%")
		where = append(where, fmt.Sprintf("c.code LIKE $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activation_codes c`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := r.pool.Query(ctx, `
		SELECT c.code, c.kind, c.status, c.credits_per_redemption, c.max_redemptions, c.redemption_count,
		       c.expires_at, c.metadata, c.created_by, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM activation_redemptions r WHERE r.code = c.code)
		FROM activation_codes c`+clause+fmt.Sprintf(`
		ORDER BY c.created_at DESC, c.code
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var list []*CodeSummary
	for rows.Next() {
		var (
			s    CodeSummary
			meta []byte
		)
		if err := rows.Scan(&s.Code, &s.Kind, &s.Status, &s.CreditsPerRedemption, &s.MaxRedemptions, &s.RedemptionCount,
			&s.ExpiresAt, &meta, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &s.DeviceCount); err != nil {
			return nil, 0, err
		}
		s.Metadata = meta
		list = append(list, &s)
	}
	return list, total, rows.Err()
}

// RevokeActivation moves a code to revoked. The UPDATE takes the same row
// lock as a redemption, so an in-flight redemption either commits first or
// sees the revoked status.
func (r *Repository) RevokeActivation(ctx context.Context, code string, now time.Time) (*models.ActivationCode, error) {
	var c models.ActivationCode
	err := r.pool.QueryRow(ctx, `
		UPDATE activation_codes SET status = 'revoked', updated_at = $2
		WHERE code = $1
		RETURNING code, kind, status, credits_per_redemption, max_redemptions, redemption_count,
		          expires_at, metadata, created_by, created_at, updated_at
	`, code, now).Scan(&c.Code, &c.Kind, &c.Status, &c.CreditsPerRedemption, &c.MaxRedemptions, &c.RedemptionCount,
		&c.ExpiresAt, &c.Metadata, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListRedemptions(ctx context.Context, code string) ([]*models.Redemption, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, fingerprint, credits_granted, redeemed_at, last_used_at
		FROM activation_redemptions WHERE code = $1
		ORDER BY redeemed_at
	`, code)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Redemption, error) {
		var red models.Redemption
		err := row.Scan(&red.ID, &red.Code, &red.Fingerprint, &red.CreditsGranted, &red.RedeemedAt, &red.LastUsedAt)
		return &red, err
	})
}

func (r *Repository) ListInvitesByCreator(ctx context.Context, fingerprint string) ([]*models.InviteCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, creator_fingerprint, credits_per_use, status, used_by_fingerprint, used_at, created_at
		FROM invite_codes WHERE creator_fingerprint = $1
		ORDER BY created_at DESC
	`, fingerprint)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.InviteCode, error) {
		var inv models.InviteCode
		err := row.Scan(&inv.Code, &inv.CreatorFingerprint, &inv.CreditsPerUse, &inv.Status, &inv.UsedByFingerprint, &inv.UsedAt, &inv.CreatedAt)
		return &inv, err
	})
}
