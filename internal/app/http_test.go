package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vellum/api/internal/engine"
	"vellum/api/internal/logger"
	"vellum/api/internal/search"
	"vellum/api/internal/store"
)

type fakeLifecycle struct {
	createFn  func(context.Context, engine.CreateInput) (store.Document, error)
	getFn     func(context.Context, string) (store.Document, error)
	updateFn  func(context.Context, string, string, string, int64, string, string) (store.Document, error)
	submitFn  func(context.Context, string, string, string, int64) (store.Document, error)
	approveFn func(context.Context, string, string, string) ([]store.Document, error)
	rejectFn  func(context.Context, string, string, string) (store.Document, error)
}

func (f *fakeLifecycle) Create(ctx context.Context, in engine.CreateInput) (store.Document, error) {
	if f.createFn != nil {
		return f.createFn(ctx, in)
	}
	return store.Document{}, nil
}

func (f *fakeLifecycle) Get(ctx context.Context, documentID string) (store.Document, error) {
	if f.getFn != nil {
		return f.getFn(ctx, documentID)
	}
	return store.Document{}, store.ErrNotFound
}

func (f *fakeLifecycle) List(context.Context, store.ListFilter) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeLifecycle) UpdateWithVersion(ctx context.Context, documentID, actor, role string, expectedVersion int64, title, content string) (store.Document, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, documentID, actor, role, expectedVersion, title, content)
	}
	return store.Document{}, nil
}

func (f *fakeLifecycle) Submit(ctx context.Context, documentID, actor, role string, expectedVersion int64) (store.Document, error) {
	if f.submitFn != nil {
		return f.submitFn(ctx, documentID, actor, role, expectedVersion)
	}
	return store.Document{}, nil
}

func (f *fakeLifecycle) Approve(ctx context.Context, documentID, actor, role string) ([]store.Document, error) {
	if f.approveFn != nil {
		return f.approveFn(ctx, documentID, actor, role)
	}
	return nil, nil
}

func (f *fakeLifecycle) Reject(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	if f.rejectFn != nil {
		return f.rejectFn(ctx, documentID, actor, role)
	}
	return store.Document{}, nil
}

func (f *fakeLifecycle) AuditTrail(context.Context, string, int) ([]store.AuditEvent, error) {
	return nil, nil
}

type fakeLeases struct {
	acquireFn func(context.Context, string, string) (store.LeaseGrant, error)
}

func (f *fakeLeases) Acquire(ctx context.Context, documentID, userID string) (store.LeaseGrant, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, documentID, userID)
	}
	return store.LeaseGrant{}, nil
}

func (f *fakeLeases) Release(context.Context, string, string) (bool, error) { return true, nil }
func (f *fakeLeases) TTL() time.Duration                                    { return 30 * time.Minute }

type fakeArchiver struct {
	purgeFn func(context.Context, string, string, string) error
}

func (f *fakeArchiver) Archive(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	return store.Document{ID: documentID, Archived: true}, nil
}

func (f *fakeArchiver) Restore(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	return store.Document{ID: documentID}, nil
}

func (f *fakeArchiver) Purge(ctx context.Context, documentID, actor, role string) error {
	if f.purgeFn != nil {
		return f.purgeFn(ctx, documentID, actor, role)
	}
	return nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeSearcher struct{}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) ([]search.Result, int, error) {
	return []search.Result{{ID: "doc_1", Title: "Hit"}}, 1, nil
}

func (f *fakeSearcher) Healthy() bool { return true }

func newTestServer(lifecycle Lifecycle, leases Leases, archiver Archiver) *HTTPServer {
	service := NewService(lifecycle, leases, archiver, &fakeSearcher{}, &fakePinger{})
	return NewHTTPServer(service, "*", logger.Nop())
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string, identity bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if identity {
		req.Header.Set("X-User-ID", "amira")
		req.Header.Set("X-User-Role", "author")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealth(t *testing.T) {
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMutationRequiresIdentity(t *testing.T) {
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/documents", `{"kind":"memorandum"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v, want UNAUTHORIZED", payload["code"])
	}
}

func TestCreateDocument(t *testing.T) {
	lifecycle := &fakeLifecycle{
		createFn: func(ctx context.Context, in engine.CreateInput) (store.Document, error) {
			if in.Actor != "amira" {
				t.Fatalf("actor = %q, want amira from header", in.Actor)
			}
			return store.Document{ID: "doc_1", Kind: in.Kind, Title: in.Title, Status: store.StatusDraft, Version: 1}, nil
		},
	}
	handler := newTestServer(lifecycle, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/documents", `{"kind":"memorandum","title":"Memo"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["id"] != "doc_1" || payload["status"] != "draft" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestUpdateVersionConflictMapsTo409(t *testing.T) {
	lifecycle := &fakeLifecycle{
		updateFn: func(ctx context.Context, documentID, actor, role string, expectedVersion int64, title, content string) (store.Document, error) {
			return store.Document{}, &engine.VersionConflictError{Expected: 3, Current: 5}
		},
	}
	handler := newTestServer(lifecycle, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodPut, "/api/documents/doc_1", `{"expectedVersion":3,"title":"T","content":"c"}`, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["code"] != "VERSION_CONFLICT" {
		t.Fatalf("code = %v, want VERSION_CONFLICT", payload["code"])
	}
	details := payload["details"].(map[string]any)
	if details["currentVersion"] != float64(5) {
		t.Fatalf("details = %v, want currentVersion 5", details)
	}
	if details["outcome"] != "conflict" {
		t.Fatalf("outcome = %v, want conflict", details["outcome"])
	}
}

func TestLeaseDenialIsOKPayload(t *testing.T) {
	leases := &fakeLeases{
		acquireFn: func(ctx context.Context, documentID, userID string) (store.LeaseGrant, error) {
			return store.LeaseGrant{Granted: false, Holder: "bram", Age: 10 * time.Minute}, nil
		},
	}
	handler := newTestServer(&fakeLifecycle{}, leases, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc_1/lease", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: a denial is feedback, not an error", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["granted"] != false || payload["holder"] != "bram" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["ageSeconds"] != float64(600) {
		t.Fatalf("ageSeconds = %v, want 600", payload["ageSeconds"])
	}
}

func TestApprovePayloadListsBatch(t *testing.T) {
	lifecycle := &fakeLifecycle{
		approveFn: func(ctx context.Context, documentID, actor, role string) ([]store.Document, error) {
			return []store.Document{
				{ID: documentID, Status: store.StatusApproved},
				{ID: "doc_2", Status: store.StatusApproved},
			}, nil
		},
	}
	handler := newTestServer(lifecycle, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc_1/approve", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	payload := decodeResponse(t, rec)
	approved := payload["approved"].([]any)
	if len(approved) != 2 {
		t.Fatalf("approved = %v, want both batch documents", approved)
	}
}

func TestPurgeForbiddenMapsTo403(t *testing.T) {
	archiver := &fakeArchiver{
		purgeFn: func(ctx context.Context, documentID, actor, role string) error {
			return engine.ErrForbidden
		},
	}
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, archiver).Handler()

	rec := doRequest(t, handler, http.MethodDelete, "/api/documents/doc_1", "", true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetUnknownDocument(t *testing.T) {
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/documents/doc_missing", "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=handbook", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	payload := decodeResponse(t, rec)
	results := payload["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want one hit", results)
	}
}

func TestSearchInvalidLimit(t *testing.T) {
	handler := newTestServer(&fakeLifecycle{}, &fakeLeases{}, &fakeArchiver{}).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=x&limit=abc", "", false)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}
