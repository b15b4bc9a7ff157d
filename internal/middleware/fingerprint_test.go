package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoHandler writes the context fingerprint and the re-read body.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(FingerprintFromCtx(r.Context()) + "|" + string(body)))
})

func TestFingerprint_FromBody(t *testing.T) {
	body := `{"fingerprint":"abc123","code":"WXYZ-1234-5678-90AB"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	Fingerprint(nil)(echoHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "abc123|"+body {
		t.Fatalf("body not restored: %q", got)
	}
}

func TestFingerprint_FromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage/history?fingerprint=dev-9", nil)
	rec := httptest.NewRecorder()
	Fingerprint(nil)(echoHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "dev-9|") {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestFingerprint_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing":      `{"code":"x"}`,
		"blank":        `{"fingerprint":"   "}`,
		"invalid json": `{"fingerprint":`,
		"too long":     `{"fingerprint":"` + strings.Repeat("a", 300) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			rec := httptest.NewRecorder()
			Fingerprint(nil)(echoHandler).ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "INVALID_REQUEST") {
				t.Fatalf("body = %s", rec.Body.String())
			}
		})
	}
}
