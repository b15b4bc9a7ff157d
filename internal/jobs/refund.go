// Package jobs holds the River job types run by the API process.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
)

// RefundUsageArgs reverses one debit whose inline refund could not commit.
type RefundUsageArgs struct {
	Fingerprint   string    `json:"fingerprint"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Reason        string    `json:"reason,omitempty"`
}

func (RefundUsageArgs) Kind() string { return "refund_usage" }

// InsertOpts makes one job per reservation; a duplicate enqueue is skipped.
func (RefundUsageArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Refunder is the part of the ledger engine the worker needs.
type Refunder interface {
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.RefundResult, error)
}

type RefundUsageWorker struct {
	river.WorkerDefaults[RefundUsageArgs]
	refunder Refunder
	log      *slog.Logger
}

func NewRefundUsageWorker(r Refunder, log *slog.Logger) *RefundUsageWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RefundUsageWorker{refunder: r, log: log}
}

// Work applies the refund. Storage errors are returned so River retries;
// any other ledger rejection cancels the job. Refund is one-shot per
// reservation, so a retry after a lost ack is a no-op.
func (w *RefundUsageWorker) Work(ctx context.Context, job *river.Job[RefundUsageArgs]) error {
	id := job.Args.ReservationID
	res, err := w.refunder.Refund(ctx, ledger.RefundRequest{Fingerprint: job.Args.Fingerprint, ReservationID: &id})
	if err != nil {
		if ledger.KindOf(err) == ledger.KindStorage {
			w.log.Warn("refund job failed", "reservation_id", id, "attempt", job.Attempt, "error", err)
			return fmt.Errorf("refund reservation %s: %w", id, err)
		}
		w.log.Error("refund job rejected", "reservation_id", id, "error", err)
		return river.JobCancel(err)
	}
	w.log.Info("refund job applied", "reservation_id", id, "refunded", res.Refunded, "reason", job.Args.Reason)
	return nil
}

// InsertFunc enqueues a refund job. Provided by main using river.Client.Insert.
type InsertFunc func(ctx context.Context, args RefundUsageArgs) error

// ErrNotWired is returned by Enqueuer before main has set the insert func.
var ErrNotWired = errors.New("river insert not wired")

// Enqueuer breaks the init cycle between the River client (which needs the
// worker) and the handlers (which need to enqueue).
type Enqueuer struct {
	mu     sync.Mutex
	insert InsertFunc
}

func (e *Enqueuer) Set(fn InsertFunc) {
	e.mu.Lock()
	e.insert = fn
	e.mu.Unlock()
}

func (e *Enqueuer) EnqueueRefund(ctx context.Context, args RefundUsageArgs) error {
	e.mu.Lock()
	fn := e.insert
	e.mu.Unlock()
	if fn == nil {
		return ErrNotWired
	}
	return fn(ctx, args)
}
