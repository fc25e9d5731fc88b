package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/catalog"
	"quantumjobs/internal/health"
	"quantumjobs/internal/job"
	"sync"
	"testing"
	"time"
)

// fakeDispatcher creates queued jobs directly in the store.
type fakeDispatcher struct {
	store     *job.Store
	submitErr error

	mu sync.Mutex
	n  int
}

func (f *fakeDispatcher) Submit(_ context.Context, payload json.RawMessage, backendID string) (job.Job, error) {
	if f.submitErr != nil {
		return job.Job{}, f.submitErr
	}
	f.mu.Lock()
	f.n++
	id := fmt.Sprintf("job-%d", f.n)
	at := time.Date(2026, 1, 1, 0, 0, f.n, 0, time.UTC)
	f.mu.Unlock()
	if backendID == "" {
		backendID = "B"
	}
	return f.store.Create(job.Job{ID: id, BackendID: backendID, Payload: payload, State: job.StateQueued, SubmittedAt: at})
}

func (f *fakeDispatcher) Cancel(_ context.Context, id string) (job.CancelResult, error) {
	j, err := f.store.Get(id)
	if err != nil {
		return job.CancelResult{}, err
	}
	if j.State.Terminal() {
		return job.CancelResult{Job: j, Reason: apperrors.KindCancellationRaceLost}, nil
	}
	updated, err := f.store.Update(id, func(j *job.Job) error {
		j.State = job.StateCancelled
		return nil
	})
	return job.CancelResult{Job: updated, Applied: true}, err
}

type fakeCatalog struct {
	backends []catalog.Backend
	err      error
}

func (f fakeCatalog) List(context.Context) ([]catalog.Backend, error) {
	return f.backends, f.err
}

type testServer struct {
	router     http.Handler
	store      *job.Store
	dispatcher *fakeDispatcher
	checker    *health.Checker
}

func newTestServer(t *testing.T, apiKey string, cat fakeCatalog) *testServer {
	t.Helper()
	store := job.NewStore()
	d := &fakeDispatcher{store: store}
	checker := health.NewChecker(nil)
	svc := job.NewService(store, d, cat)
	return &testServer{
		router:     NewRouter(RouterConfig{JobService: svc, HealthChecker: checker, APIKey: apiKey}),
		store:      store,
		dispatcher: d,
		checker:    checker,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	response := decode[health.Response](t, w)
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_UpstreamDown(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(nil)
	checker.Register("upstream", func(context.Context) error {
		return errors.New("all authentication strategies failed")
	})
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	response := decode[health.Response](t, w)
	if response.Checks["upstream"].Status != health.StatusUnhealthy {
		t.Errorf("Expected upstream check unhealthy, got %+v", response.Checks)
	}
}

func TestRouter_Readyz_ShuttingDown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})

	if w := s.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 before shutdown, got %d", w.Code)
	}
	s.checker.SetShuttingDown()
	if w := s.do(t, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 during shutdown, got %d", w.Code)
	}
}

func TestRouter_SubmitAndGet(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})

	for _, prefix := range []string{"", "/v1"} {
		w := s.do(t, http.MethodPost, prefix+"/jobs", `{"payload":{"program":"bell"},"backendId":"ibm_brisbane"}`)
		if w.Code != http.StatusAccepted {
			t.Fatalf("POST %s/jobs status = %d, body = %s", prefix, w.Code, w.Body.String())
		}
		resp := decode[job.SubmitResponse](t, w)
		if resp.JobID == "" || resp.State != job.StateQueued {
			t.Fatalf("SubmitResponse = %+v", resp)
		}

		w = s.do(t, http.MethodGet, prefix+"/jobs/"+resp.JobID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("GET job status = %d", w.Code)
		}
		got := decode[job.Job](t, w)
		if got.ID != resp.JobID || got.BackendID != "ibm_brisbane" || got.State != job.StateQueued || got.RetryCount != 0 {
			t.Errorf("job = %+v", got)
		}
	}
}

func TestRouter_SubmitErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		submitErr error
		status    int
		kind      string
	}{
		{"malformed json", `{"payload": bell}`, nil, http.StatusBadRequest, ""},
		{"empty body", ``, nil, http.StatusBadRequest, ""},
		{"missing payload", `{"backendId":"B"}`, nil, http.StatusBadRequest, apperrors.KindValidation},
		{"bad backend id", `{"payload":{},"backendId":"../etc"}`, nil, http.StatusBadRequest, apperrors.KindValidation},
		{"circuit open", `{"payload":{},"backendId":"B"}`, apperrors.BackendCircuitOpen("B"), http.StatusServiceUnavailable, apperrors.KindBackendCircuitOpen},
		{"no backend", `{"payload":{}}`, apperrors.NoBackendAvailable("no operational backend"), http.StatusServiceUnavailable, apperrors.KindNoBackendAvailable},
		{"auth failed", `{"payload":{}}`, apperrors.AuthenticationFailed(errors.New("iam: 401")), http.StatusBadGateway, apperrors.KindAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, "", fakeCatalog{})
			s.dispatcher.submitErr = tt.submitErr

			w := s.do(t, http.MethodPost, "/jobs", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			resp := decode[errorResponse](t, w)
			if resp.Error == "" {
				t.Error("Expected error message in response")
			}
			if tt.kind != "" && resp.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.kind)
			}
			if tt.kind == apperrors.KindBackendCircuitOpen && resp.BackendID != "B" {
				t.Errorf("backendId = %q, want B", resp.BackendID)
			}
		})
	}
}

func TestRouter_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})

	w := s.do(t, http.MethodGet, "/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Kind != apperrors.KindNotFound {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestRouter_ListJobs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})
	for range 3 {
		if w := s.do(t, http.MethodPost, "/jobs", `{"payload":{}}`); w.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d", w.Code)
		}
	}
	if w := s.do(t, http.MethodPost, "/jobs/job-2/cancel", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}

	tests := []struct {
		query  string
		status int
		ids    []string
		total  int
	}{
		{"", http.StatusOK, []string{"job-1", "job-2", "job-3"}, 3},
		{"?state=queued", http.StatusOK, []string{"job-1", "job-3"}, 2},
		{"?state=cancelled", http.StatusOK, []string{"job-2"}, 1},
		{"?limit=1&offset=1", http.StatusOK, []string{"job-2"}, 3},
		{"?offset=10", http.StatusOK, []string{}, 3},
		{"?state=bogus", http.StatusBadRequest, nil, 0},
		{"?limit=abc", http.StatusBadRequest, nil, 0},
		{"?limit=501", http.StatusBadRequest, nil, 0},
		{"?offset=-1", http.StatusBadRequest, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/v1/jobs"+tt.query, "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			resp := decode[job.ListResponse](t, w)
			if resp.Total != tt.total {
				t.Errorf("total = %d, want %d", resp.Total, tt.total)
			}
			if resp.Jobs == nil {
				t.Fatal("jobs must be an array, not null")
			}
			if len(resp.Jobs) != len(tt.ids) {
				t.Fatalf("got %d jobs, want %d", len(resp.Jobs), len(tt.ids))
			}
			for i, id := range tt.ids {
				if resp.Jobs[i].ID != id {
					t.Errorf("jobs[%d] = %s, want %s", i, resp.Jobs[i].ID, id)
				}
			}
		})
	}
}

func TestRouter_CancelJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})
	s.do(t, http.MethodPost, "/jobs", `{"payload":{}}`)

	w := s.do(t, http.MethodPost, "/jobs/job-1/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decode[job.CancelResult](t, w)
	if !res.Applied || res.Job.State != job.StateCancelled {
		t.Errorf("CancelResult = %+v", res)
	}

	w = s.do(t, http.MethodPost, "/jobs/job-1/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("second cancel status = %d", w.Code)
	}
	res = decode[job.CancelResult](t, w)
	if res.Applied || res.Reason != apperrors.KindCancellationRaceLost {
		t.Errorf("second CancelResult = %+v, want no-op", res)
	}

	if w := s.do(t, http.MethodPost, "/jobs/missing/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel missing status = %d, want 404", w.Code)
	}
}

func TestRouter_ListBackends(t *testing.T) {
	t.Parallel()
	depth := 4
	s := newTestServer(t, "", fakeCatalog{backends: []catalog.Backend{
		{ID: "A", DisplayName: "A", Operational: false},
		{ID: "B", DisplayName: "Brisbane", Operational: true, QueueDepth: &depth},
	}})

	w := s.do(t, http.MethodGet, "/backends", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Backends []catalog.Backend `json:"backends"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Backends) != 2 || resp.Backends[1].ID != "B" || !resp.Backends[1].Operational || *resp.Backends[1].QueueDepth != 4 {
		t.Errorf("backends = %+v", resp.Backends)
	}
}

func TestRouter_ListBackends_AuthorizationHint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{err: apperrors.AuthorizationFailed("catalog.list", "", "set QUANTUM_SERVICE_CRN", errors.New("403"))})

	w := s.do(t, http.MethodGet, "/backends", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	resp := decode[errorResponse](t, w)
	if resp.Kind != apperrors.KindAuthorizationFailed || resp.Hint == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRouter_APIKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "secret-key", fakeCatalog{})

	tests := []struct {
		name   string
		path   string
		header []string
		status int
	}{
		{"missing header", "/jobs", nil, http.StatusUnauthorized},
		{"wrong scheme", "/jobs", []string{"Authorization", "Basic secret-key"}, http.StatusUnauthorized},
		{"wrong key", "/v1/jobs", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid key", "/v1/jobs", []string{"Authorization", "Bearer secret-key"}, http.StatusOK},
		{"health is open", "/livez", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if w := s.do(t, http.MethodGet, tt.path, "", tt.header...); w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestRouter_RequestIDHeaderAccepted(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "", fakeCatalog{})

	w := s.do(t, http.MethodGet, "/jobs", "", "X-Request-Id", "req-123")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Test with correct content type
	called = false
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}
