package reporting

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository runs the aggregate queries. Each method is a single read
// against the pool; none take locks.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) countBy(ctx context.Context, sql string, args ...any) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (r *Repository) CodesByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, COUNT(*) FROM activation_codes GROUP BY status`)
}

func (r *Repository) CodesByKind(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT kind, COUNT(*) FROM activation_codes GROUP BY kind`)
}

// UsedCodes counts codes with at least one redemption.
func (r *Repository) UsedCodes(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activation_codes WHERE redemption_count > 0`).Scan(&n)
	return n, err
}

// Devices returns distinct redeeming devices overall, those active since
// activeSince and those that redeemed since recentSince.
func (r *Repository) Devices(ctx context.Context, activeSince, recentSince time.Time) (total, active, recent int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT fingerprint),
		       COUNT(DISTINCT fingerprint) FILTER (WHERE last_used_at >= $1),
		       COUNT(*) FILTER (WHERE redeemed_at >= $2)
		FROM activation_redemptions
	`, activeSince, recentSince).Scan(&total, &active, &recent)
	return total, active, recent, err
}

func (r *Repository) DevicesByKind(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `
		SELECT c.kind, COUNT(DISTINCT r.fingerprint)
		FROM activation_redemptions r JOIN activation_codes c ON c.code = r.code
		GROUP BY c.kind`)
}

func (r *Repository) Accounts(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (r *Repository) Invites(ctx context.Context) (total, used int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'used') FROM invite_codes
	`).Scan(&total, &used)
	return total, used, err
}

func (r *Repository) DebitsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE entry_type IN ('trial_debit', 'credit_debit') AND refunded_by IS NULL AND created_at >= $1
	`, since).Scan(&n)
	return n, err
}
