package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bryaninjapan/englisheditor/internal/middleware"
	"github.com/bryaninjapan/englisheditor/internal/models"
	"github.com/bryaninjapan/englisheditor/internal/services"
)

func newTestHandler(t *testing.T, store *stubStore) *Handler {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return NewHandler(newTestService(store), v, nil)
}

func TestIssueHandler(t *testing.T) {
	store := newStubStore()
	h := newTestHandler(t, store)

	req := httptest.NewRequest(http.MethodPost, "/codes/activation/issue", strings.NewReader(`{"count":3,"kind":"admin"}`))
	req = req.WithContext(middleware.WithAdmin(req.Context(), "admin"))
	rec := httptest.NewRecorder()
	h.IssueActivationCodes(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp IssueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 || resp.Codes[0].Kind != models.KindAdmin || resp.Codes[0].CreatedBy != "admin" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestIssueHandler_PartialBatchReportsStoredCodes(t *testing.T) {
	store := newStubStore()
	store.failAfter = 2
	h := newTestHandler(t, store)

	req := httptest.NewRequest(http.MethodPost, "/codes/activation/issue", strings.NewReader(`{"count":4}`))
	req = req.WithContext(middleware.WithAdmin(req.Context(), "admin"))
	rec := httptest.NewRecorder()
	h.IssueActivationCodes(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp IssueFailure
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "STORAGE_ERROR" || resp.Count != 2 || len(resp.Codes) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if strings.Contains(resp.Error, "connection reset") {
		t.Fatalf("storage cause leaked: %s", resp.Error)
	}
}

func TestIssueHandler_SchemaRejects(t *testing.T) {
	h := newTestHandler(t, newStubStore())

	rec := httptest.NewRecorder()
	h.IssueActivationCodes(rec, httptest.NewRequest(http.MethodPost, "/codes/activation/issue", strings.NewReader(`{"count":500}`)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "INVALID_REQUEST") {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestListHandler(t *testing.T) {
	store := newStubStore()
	store.total = 1
	store.summaries = []*CodeSummary{{Code: "WXYZ-1234-5678-90AB", DeviceCount: 2}}
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.ListActivationCodes(rec, httptest.NewRequest(http.MethodGet, "/codes/activation?status=active&search=wxyz&page=2&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if store.lastFilter != (ListFilter{Status: "active", Search: "wxyz", Page: 2, Limit: 10}) {
		t.Fatalf("filter = %+v", store.lastFilter)
	}
	if !strings.Contains(rec.Body.String(), `"deviceCount":2`) || !strings.Contains(rec.Body.String(), `"totalPages":1`) {
		t.Fatalf("body = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ListActivationCodes(rec, httptest.NewRequest(http.MethodGet, "/codes/activation?page=two", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRevokeHandler(t *testing.T) {
	store := newStubStore()
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.RevokeActivationCode(rec, httptest.NewRequest(http.MethodPost, "/codes/activation/revoke", strings.NewReader(`{"code":"AAAA-BBBB-CCCC-DDDD"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestDevicesHandler(t *testing.T) {
	store := newStubStore()
	store.redemptions = []*models.Redemption{{Code: "WXYZ-1234-5678-90AB", Fingerprint: "a"}}
	h := newTestHandler(t, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /codes/activation/{code}/devices", h.ActivationDevices)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/codes/activation/WXYZ-1234-5678-90AB/devices", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"fingerprint":"a"`) {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestGenerateInviteHandler(t *testing.T) {
	store := newStubStore()
	h := newTestHandler(t, store)

	rec := httptest.NewRecorder()
	h.GenerateInvite(rec, httptest.NewRequest(http.MethodPost, "/codes/invite/generate", strings.NewReader(`{"fingerprint":"creator"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp InviteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.InviteCode) != 14 || resp.CreditsPerUse != 3 {
		t.Fatalf("resp = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ListInvites(rec, httptest.NewRequest(http.MethodGet, "/codes/invite?fingerprint=creator", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), resp.InviteCode) {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.GenerateInvite(rec, httptest.NewRequest(http.MethodPost, "/codes/invite/generate", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
