package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"quantumjobs/internal/credential"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testKey = "abcd1234secretkey5678wxyz"

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	vault, err := credential.NewVault(testKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return NewClient(Endpoints{
		IAMTokenURL:   srv.URL + "/identity/token",
		RuntimeURL:    srv.URL + "/runtime",
		LegacyAuthURL: srv.URL + "/api/users/loginWithToken",
		LegacyAPIURL:  srv.URL + "/api",
	}, 2*time.Second, vault)
}

func TestExchangeIAMToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity/token" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		if form.Get("grant_type") != iamGrantType {
			t.Errorf("grant_type = %q", form.Get("grant_type"))
		}
		if form.Get("apikey") != testKey {
			t.Errorf("apikey not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"iam-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tok, err := newTestClient(t, srv).ExchangeIAMToken(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ExchangeIAMToken: %v", err)
	}
	if tok.AccessToken != "iam-token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	now := time.Now()
	if got := tok.ExpiresAt(now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", got, now.Add(time.Hour))
	}
}

func TestExchangeIAMToken_ErrorBodyIsRedacted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessage":"invalid apikey ` + testKey + `"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ExchangeIAMToken(context.Background(), testKey)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testKey) {
		t.Errorf("error leaks secret: %v", err)
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", StatusCode(err))
	}
	if IsTransient(err) {
		t.Error("400 must not be transient")
	}
}

func TestLegacyLogin(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["apiToken"] != testKey {
			t.Errorf("apiToken not forwarded")
		}
		_, _ = w.Write([]byte(`{"id":"tok123"}`))
	}))
	defer srv.Close()

	tok, err := newTestClient(t, srv).LegacyLogin(context.Background(), testKey)
	if err != nil {
		t.Fatalf("LegacyLogin: %v", err)
	}
	if tok.ID != "tok123" {
		t.Errorf("ID = %q, want tok123", tok.ID)
	}
}

func TestLegacyLogin_MissingID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).LegacyLogin(context.Background(), testKey); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestListBackends_Headers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		session  *Session
		path     string
		checkHdr func(t *testing.T, h http.Header)
	}{
		{
			name:    "iam with service context",
			session: &Session{AccessToken: "iam-token", Strategy: StrategyIAM, ServiceContext: "crn:v1:abc"},
			path:    "/runtime/backends",
			checkHdr: func(t *testing.T, h http.Header) {
				if h.Get("Authorization") != "Bearer iam-token" {
					t.Errorf("Authorization = %q", h.Get("Authorization"))
				}
				if h.Get("Service-CRN") != "crn:v1:abc" {
					t.Errorf("Service-CRN = %q", h.Get("Service-CRN"))
				}
			},
		},
		{
			name:    "iam without service context",
			session: &Session{AccessToken: "iam-token", Strategy: StrategyIAM},
			path:    "/runtime/backends",
			checkHdr: func(t *testing.T, h http.Header) {
				if _, ok := h["Service-Crn"]; ok {
					t.Error("Service-CRN must be omitted")
				}
			},
		},
		{
			name:    "legacy",
			session: &Session{AccessToken: "tok123", Strategy: StrategyLegacy},
			path:    "/api/Backends",
			checkHdr: func(t *testing.T, h http.Header) {
				if h.Get("X-Access-Token") != "tok123" {
					t.Errorf("X-Access-Token = %q", h.Get("X-Access-Token"))
				}
				if h.Get("Authorization") != "" {
					t.Error("legacy must not send Authorization")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					t.Errorf("path = %q, want %q", r.URL.Path, tt.path)
				}
				tt.checkHdr(t, r.Header)
				_, _ = w.Write([]byte(`["A","B"]`))
			}))
			defer srv.Close()

			raw, err := newTestClient(t, srv).ListBackends(context.Background(), tt.session)
			if err != nil {
				t.Fatalf("ListBackends: %v", err)
			}
			if string(raw) != `["A","B"]` {
				t.Errorf("raw = %s", raw)
			}
		})
	}
}

func TestSubmitStatusResultCancel(t *testing.T) {
	t.Parallel()
	var cancelled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/runtime/jobs":
			var body struct {
				Backend string          `json:"backend"`
				Payload json.RawMessage `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Backend != "B" || string(body.Payload) != `{"shots":100}` {
				t.Errorf("unexpected submit body: %+v", body)
			}
			_, _ = w.Write([]byte(`{"id":"prov-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/runtime/jobs/prov-1":
			_, _ = w.Write([]byte(`{"id":"prov-1","status":"Queued","state":{"status":"Failed","reason":"qubit decoherence"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/runtime/jobs/prov-1/results":
			_, _ = w.Write([]byte(`{"counts":{"00":51,"11":49}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/runtime/jobs/prov-1/cancel":
			cancelled.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	sess := &Session{AccessToken: "t", Strategy: StrategyIAM}
	ctx := context.Background()

	ref, err := c.Submit(ctx, sess, "B", json.RawMessage(`{"shots":100}`))
	if err != nil || ref != "prov-1" {
		t.Fatalf("Submit = %q, %v", ref, err)
	}

	st, err := c.Status(ctx, sess, ref)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != "Failed" || st.Reason != "qubit decoherence" {
		t.Errorf("Status = %+v, nested state must win", st)
	}

	res, err := c.Result(ctx, sess, ref)
	if err != nil || !strings.Contains(string(res), `"00":51`) {
		t.Errorf("Result = %s, %v", res, err)
	}

	if err := c.Cancel(ctx, sess, ref); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled.Load() {
		t.Error("cancel endpoint not called")
	}
}

func TestStatus_LegacyErrorObject(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Jobs/j1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ERROR_RUNNING_JOB","error":{"code":7001,"message":"device offline"}}`))
	}))
	defer srv.Close()

	st, err := newTestClient(t, srv).Status(context.Background(), &Session{AccessToken: "x", Strategy: StrategyLegacy}, "j1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != "ERROR_RUNNING_JOB" || st.Reason != "device offline" {
		t.Errorf("Status = %+v", st)
	}
}

func TestSubmit_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Submit(context.Background(), &Session{AccessToken: "t", Strategy: StrategyIAM}, "B", json.RawMessage(`{}`))
	if !IsTransient(err) {
		t.Errorf("503 should be transient: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"503", &HTTPError{StatusCode: 503}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"400", &HTTPError{StatusCode: 400}, false},
		{"401", &HTTPError{StatusCode: 401}, false},
		{"403", &HTTPError{StatusCode: 403}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("malformed response"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSession_ValidAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sess *Session
		want bool
	}{
		{"nil", nil, false},
		{"empty token", &Session{ExpiresAt: now.Add(time.Hour)}, false},
		{"fresh", &Session{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside margin", &Session{AccessToken: "t", ExpiresAt: now.Add(30 * time.Second)}, false},
		{"expired", &Session{AccessToken: "t", ExpiresAt: now.Add(-time.Second)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.sess.ValidAt(now, time.Minute); got != tt.want {
				t.Errorf("ValidAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_StringMasksToken(t *testing.T) {
	t.Parallel()
	s := &Session{AccessToken: "verylongaccesstokenvalue", Strategy: StrategyIAM}
	if strings.Contains(s.String(), "verylongaccesstokenvalue") {
		t.Errorf("String leaks token: %s", s)
	}
}
