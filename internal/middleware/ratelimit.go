package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/respond"
)

// AttemptLimiter is implemented by cache.AttemptLimiter.
type AttemptLimiter interface {
	Blocked(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// redeemOutcome lets the redeem handler tell RedeemLimit that a 200 was a
// replay of an earlier redemption rather than a fresh one.
type redeemOutcome struct {
	replay bool
}

const ctxRedeemOutcomeKey contextKey = "redeem_outcome"

// MarkRedeemReplay records that the current redemption was an idempotent
// replay. Replays never clear the failure count. No-op outside RedeemLimit.
func MarkRedeemReplay(ctx context.Context) {
	if o, ok := ctx.Value(ctxRedeemOutcomeKey).(*redeemOutcome); ok {
		o.replay = true
	}
}

// RedeemLimit refuses redemption attempts from a fingerprint that has failed
// too often in the current window. Only 4xx answers count as failures; a
// fresh success clears the count, a replay does not. Must run after
// Fingerprint. Limiter errors fail open.
func RedeemLimit(limiter AttemptLimiter, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fp := FingerprintFromCtx(r.Context())
			if fp == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			blocked, err := limiter.Blocked(ctx, fp)
			if err != nil {
				log.Warn("attempt limiter unavailable", "error", err)
			}
			if blocked {
				log.Info("redemption rate limited", "fingerprint", fp)
				respond.Error(w, log, ledger.ErrRateLimited)
				return
			}

			outcome := &redeemOutcome{}
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, ctxRedeemOutcomeKey, outcome)))

			switch {
			case rec.status >= 400 && rec.status < 500:
				if n, err := limiter.RecordFailure(ctx, fp); err != nil {
					log.Warn("record redeem failure", "error", err)
				} else {
					log.Debug("redeem failure recorded", "fingerprint", fp, "failures", n)
				}
			case rec.status < 300 && !outcome.replay:
				if err := limiter.Clear(ctx, fp); err != nil {
					log.Warn("clear redeem failures", "error", err)
				}
			}
		})
	}
}
