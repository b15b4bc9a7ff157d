// Package ledger is the credit ledger: device identity, the usage gate and the
// redemption engine. Every mutation runs in one serializable transaction
// against the durable store; nothing here relies on in-process locks.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

// AccountRepo is the account side of the store. Conditional updates return
// pgx.ErrNoRows when their guard does not hold.
type AccountRepo interface {
	Ensure(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.Account, error)
	DebitTrial(ctx context.Context, tx pgx.Tx, fingerprint string, quota int, now time.Time) (*models.Account, error)
	DebitPurchased(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error)
	RestoreTrial(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error)
	RestorePurchased(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) (*models.Account, error)
	Grant(ctx context.Context, tx pgx.Tx, fingerprint string, amount int, now time.Time) (*models.Account, error)
}

// ActivationRepo is the activation-code side of the code registry.
type ActivationRepo interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.ActivationCode, error)
	MarkExpired(ctx context.Context, tx pgx.Tx, code string, now time.Time) error
	FindRedemption(ctx context.Context, tx pgx.Tx, code, fingerprint string) (*models.Redemption, error)
	InsertRedemption(ctx context.Context, tx pgx.Tx, r *models.Redemption) error
	ConsumeSlot(ctx context.Context, tx pgx.Tx, code string, now time.Time) (*models.ActivationCode, error)
	TouchRedemptions(ctx context.Context, tx pgx.Tx, fingerprint string, now time.Time) error
	LatestForDevice(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.Redemption, *models.ActivationCode, error)
}

// InviteRepo is the invite-code side of the code registry.
type InviteRepo interface {
	GetByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (*models.InviteCode, error)
	HasInviteeRedemption(ctx context.Context, tx pgx.Tx, fingerprint string) (bool, error)
	MarkUsed(ctx context.Context, tx pgx.Tx, code, usedBy string, now time.Time) error
	InsertRedemption(ctx context.Context, tx pgx.Tx, r *models.InviteRedemption) error
}

// EntryRepo is the append-only ledger audit trail.
type EntryRepo interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	LatestOutstandingDebit(ctx context.Context, tx pgx.Tx, fingerprint string) (*models.LedgerEntry, error)
	GetDebitForUpdate(ctx context.Context, tx pgx.Tx, fingerprint string, id uuid.UUID) (*models.LedgerEntry, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, debitID, refundID uuid.UUID) error
}

// Observer receives ledger outcomes for metrics. All methods must be cheap.
type Observer interface {
	Debit(class string)
	DebitRejected()
	Refund(class string)
	Redemption(codeType, outcome string)
	TxRetry(op string)
}

type nopObserver struct{}

func (nopObserver) Debit(string) {}
func (nopObserver) DebitRejected() {}
func (nopObserver) Refund(string) {}
func (nopObserver) Redemption(string, string) {}
func (nopObserver) TxRetry(string) {}

// Engine implements the identity resolver, usage gate and redemption engine.
type Engine struct {
	DB          TxBeginner
	Accounts    AccountRepo
	Activations ActivationRepo
	Invites     InviteRepo
	Entries     EntryRepo

	// MaxAttempts bounds optimistic retries of a conflicting transaction.
	MaxAttempts int
	Now         func() time.Time
	Observer    Observer
	Logger      *slog.Logger
}

// NewEngine returns an Engine with wall-clock time and no-op metrics.
func NewEngine(db TxBeginner, accounts AccountRepo, activations ActivationRepo, invites InviteRepo, entries EntryRepo, logger *slog.Logger) *Engine {
	return &Engine{
		DB:          db,
		Accounts:    accounts,
		Activations: activations,
		Invites:     invites,
		Entries:     entries,
		MaxAttempts: defaultMaxAttempts,
		Now:         time.Now,
		Logger:      logger,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
