package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ErrTxConflict marks a transaction that lost a race and may be retried.
// Postgres signals the same through SQLSTATE codes (see retryable).
var ErrTxConflict = errors.New("transaction conflict")

const (
	defaultMaxAttempts = 4
	baseBackoff        = 5 * time.Millisecond
)

var txOptions = pgx.TxOptions{IsoLevel: pgx.Serializable}

// inTx runs fn inside a serializable transaction and commits it. Lost races
// are retried up to e.MaxAttempts times; ledger errors returned by fn are
// final and roll the transaction back.
func (e *Engine) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		var le *Error
		if errors.As(err, &le) {
			return err
		}
		if !retryable(err) {
			return StorageError(op, err)
		}
		lastErr = err
		e.observer().TxRetry(op)
		e.logger().Debug("ledger transaction conflict", "op", op, "attempt", attempt, "error", err)
		if attempt < attempts {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return StorageError(op, err)
			}
		}
	}
	return StorageError(op, lastErr)
}

func (e *Engine) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryable(err error) bool {
	if errors.Is(err, ErrTxConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := baseBackoff*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int64N(int64(baseBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
