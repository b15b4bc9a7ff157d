package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/respond"
)

// MaxBodyBytes caps every JSON body the fingerprint middleware reads.
const MaxBodyBytes = 1 << 20

type fingerprintPeek struct {
	Fingerprint string `json:"fingerprint"`
}

// FingerprintFromCtx returns the fingerprint parsed by Fingerprint, or "".
func FingerprintFromCtx(ctx context.Context) string {
	fp, _ := ctx.Value(ctxFingerprintKey).(string)
	return fp
}

func WithFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, ctxFingerprintKey, fp)
}

// Fingerprint reads the body to extract "fingerprint" (falling back to the
// query string for bodiless requests), rejects requests without one, then
// replaces r.Body so downstream handlers can re-read it.
func Fingerprint(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fp := r.URL.Query().Get("fingerprint")
			if r.Body != nil && r.Body != http.NoBody {
				bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
				r.Body.Close()
				if err != nil {
					respond.Error(w, log, ledger.InvalidRequest("failed to read body"))
					return
				}
				if len(bodyBytes) > MaxBodyBytes {
					respond.Error(w, log, ledger.InvalidRequest("request body too large"))
					return
				}
				// Restore body for the handler.
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

				if len(bytes.TrimSpace(bodyBytes)) > 0 {
					var peek fingerprintPeek
					if err := json.Unmarshal(bodyBytes, &peek); err != nil {
						respond.Error(w, log, ledger.InvalidRequest("invalid JSON body"))
						return
					}
					if peek.Fingerprint != "" {
						fp = peek.Fingerprint
					}
				}
			}
			if err := ledger.CheckFingerprint(fp); err != nil {
				respond.Error(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithFingerprint(r.Context(), fp)))
		})
	}
}
