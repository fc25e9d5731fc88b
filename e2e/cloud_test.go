//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	iamToken    = "iam-bearer-token"
	legacyToken = "legacy-session-token"
)

// Payload scripts understood by the fake cloud.
const (
	scriptComplete = "complete" // QUEUED, RUNNING, COMPLETED
	scriptFail     = "fail"     // QUEUED, ERROR_RUNNING_JOB
	scriptHold     = "hold"     // RUNNING until cancelled
	scriptReject   = "reject"   // submission answered with 400
)

type fakeJob struct {
	backend   string
	script    string
	polls     int
	cancelled bool
}

// fakeCloud serves the primary API under /runtime and the legacy API under
// /legacy/api, with their token endpoints. Jobs advance one step per poll.
type fakeCloud struct {
	server *httptest.Server

	iamDown   atomic.Bool
	iamCalls  atomic.Int64
	submits   atomic.Int64
	cancels   atomic.Int64
	statusHit atomic.Int64

	mu   sync.Mutex
	jobs map[string]*fakeJob
	seq  int
}

func newFakeCloud(t testing.TB) *fakeCloud {
	c := &fakeCloud{jobs: make(map[string]*fakeJob)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /iam/token", c.handleIAMToken)
	mux.HandleFunc("POST /legacy/login", c.handleLegacyLogin)

	for _, gen := range []struct {
		prefix, backends, jobs, result string
		authorized               func(*http.Request) bool
		backendsDoc              any
	}{
		{
			prefix: "/runtime", backends: "backends", jobs: "jobs", result: "results",
			authorized: func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer "+iamToken },
			backendsDoc: map[string]any{"devices": []any{
				map[string]any{"name": "sim_offline", "status": "offline"},
				map[string]any{"name": "sim_online", "status": "online", "queueDepth": 3},
			}},
		},
		{
			prefix: "/legacy/api", backends: "Backends", jobs: "Jobs", result: "result",
			authorized:  func(r *http.Request) bool { return r.Header.Get("X-Access-Token") == legacyToken },
			backendsDoc: []string{"sim_online"},
		},
	} {
		guard := func(h http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				if !gen.authorized(r) {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				h(w, r)
			}
		}
		doc := gen.backendsDoc
		base := gen.prefix + "/" + gen.jobs
		mux.HandleFunc("GET "+gen.prefix+"/"+gen.backends, guard(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, doc)
		}))
		mux.HandleFunc("POST "+base, guard(c.handleSubmit))
		mux.HandleFunc("GET "+base+"/{ref}", guard(c.handleStatus))
		mux.HandleFunc("GET "+base+"/{ref}/"+gen.result, guard(c.handleResult))
		mux.HandleFunc("POST "+base+"/{ref}/cancel", guard(c.handleCancel))
	}

	c.server = httptest.NewServer(mux)
	t.Cleanup(c.server.Close)
	return c
}

func (c *fakeCloud) handleIAMToken(w http.ResponseWriter, r *http.Request) {
	c.iamCalls.Add(1)
	if c.iamDown.Load() {
		http.Error(w, `{"errorMessage":"iam unavailable"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": iamToken, "expires_in": 3600})
}

func (c *fakeCloud) handleLegacyLogin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"id": legacyToken, "ttl": 1209600})
}

func (c *fakeCloud) handleSubmit(w http.ResponseWriter, r *http.Request) {
	c.submits.Add(1)
	var body struct {
		Backend json.RawMessage `json:"backend"`
		Payload struct {
			Script string `json:"script"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}
	if body.Payload.Script == scriptReject {
		http.Error(w, `{"error":"invalid program"}`, http.StatusBadRequest)
		return
	}

	backend := string(body.Backend)
	var named struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(body.Backend, &named) == nil && named.Name != "" {
		backend = named.Name
	} else {
		_ = json.Unmarshal(body.Backend, &backend)
	}

	c.mu.Lock()
	c.seq++
	ref := fmt.Sprintf("prov-%d", c.seq)
	c.jobs[ref] = &fakeJob{backend: backend, script: body.Payload.Script}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": ref})
}

func (c *fakeCloud) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.statusHit.Add(1)
	c.mu.Lock()
	j, ok := c.jobs[r.PathValue("ref")]
	var status string
	if ok {
		j.polls++
		status = j.status()
	}
	c.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (c *fakeCloud) handleResult(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"counts": map[string]int{"00": 512, "11": 512}})
}

func (c *fakeCloud) handleCancel(w http.ResponseWriter, r *http.Request) {
	c.cancels.Add(1)
	c.mu.Lock()
	if j, ok := c.jobs[r.PathValue("ref")]; ok {
		j.cancelled = true
	}
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (j *fakeJob) status() string {
	if j.cancelled {
		return "CANCELLED"
	}
	switch j.script {
	case scriptHold:
		return "RUNNING"
	case scriptFail:
		if j.polls < 2 {
			return "QUEUED"
		}
		return "ERROR_RUNNING_JOB"
	default:
		switch {
		case j.polls < 2:
			return "QUEUED"
		case j.polls < 3:
			return "RUNNING"
		default:
			return "COMPLETED"
		}
	}
}

func (c *fakeCloud) backendOf(ref string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[ref]; ok {
		return j.backend
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
