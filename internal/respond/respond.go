// Package respond writes JSON bodies and ledger errors to HTTP clients.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
)

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status string `json:"status,omitempty"`
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error kind to its HTTP status. An inactive invite code
// is a 400; an inactive activation code is a 410.
func StatusFor(kind ledger.Kind, codeType string) int {
	switch kind {
	case ledger.KindMalformedCode, ledger.KindSelfRedemptionForbidden, ledger.KindCodeAlreadyUsed,
		ledger.KindInviteQuotaExhausted, ledger.KindInvalidRequest:
		return http.StatusBadRequest
	case ledger.KindCodeNotFound:
		return http.StatusNotFound
	case ledger.KindCodeInactive:
		if codeType == ledger.CodeTypeInvite {
			return http.StatusBadRequest
		}
		return http.StatusGone
	case ledger.KindCodeExpired, ledger.KindCodeExhausted:
		return http.StatusGone
	case ledger.KindInsufficientCredit:
		return http.StatusForbidden
	case ledger.KindUnauthorized:
		return http.StatusUnauthorized
	case ledger.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// Error writes err as {"error","code"}. Storage causes are logged, never sent.
func Error(w http.ResponseWriter, log *slog.Logger, err error) {
	ErrorFor(w, log, err, ledger.CodeTypeActivation)
}

// ErrorFor is Error with the code type used to pick the CODE_INACTIVE status.
func ErrorFor(w http.ResponseWriter, log *slog.Logger, err error, codeType string) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		le = ledger.StorageError("request", err)
	}
	if le.Kind == ledger.KindStorage {
		if log == nil {
			log = slog.Default()
		}
		log.Error("request failed", "error", err)
	}
	JSON(w, StatusFor(le.Kind, codeType), errorBody{Error: le.Message, Code: string(le.Kind), Status: le.Status})
}
