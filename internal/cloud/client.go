// Package cloud talks to the remote quantum cloud over HTTPS.
//
// Two API generations are supported. The current one authenticates by
// exchanging the API key for an IAM bearer token and scopes calls with a
// Service-CRN header. The legacy one logs in with the API key and passes the
// returned session id in an X-Access-Token header. Callers pick the
// generation through the Session they pass in.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxResponseBytes = 8 << 20 // 8 MB, results can be large
	maxErrorBody     = 512

	iamGrantType = "urn:ibm:params:oauth:grant-type:apikey"
)

// Redactor scrubs secrets out of text before it is embedded in errors.
type Redactor interface {
	Redact(s string) string
}

// Endpoints holds the base URLs for both API generations.
type Endpoints struct {
	IAMTokenURL   string // primary token exchange
	RuntimeURL    string // primary API base
	LegacyAuthURL string // legacy login
	LegacyAPIURL  string // legacy API base
}

// Client performs single upstream calls. It never retries; retry policy
// belongs to the caller.
type Client struct {
	http      *http.Client
	endpoints Endpoints
	redactor  Redactor
}

// NewClient creates a cloud client with standard transport settings.
// timeout bounds every call.
func NewClient(endpoints Endpoints, timeout time.Duration, redactor Redactor) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoints: endpoints,
		redactor:  redactor,
	}
}

// IAMToken is the primary token-exchange response.
type IAMToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	Expiration  int64  `json:"expiration"` // unix seconds
}

// ExpiresAt returns the token expiry, preferring the absolute timestamp.
func (t *IAMToken) ExpiresAt(now time.Time) time.Time {
	if t.Expiration > 0 {
		return time.Unix(t.Expiration, 0)
	}
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// ExchangeIAMToken trades the API key for a bearer token.
func (c *Client) ExchangeIAMToken(ctx context.Context, apiKey string) (*IAMToken, error) {
	const op = "iam.token"
	form := url.Values{}
	form.Set("grant_type", iamGrantType)
	form.Set("apikey", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.IAMTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tok IAMToken
	if err := c.do(req, op, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%s: response carried no access_token", op)
	}
	return &tok, nil
}

// LegacyToken is the legacy login response.
type LegacyToken struct {
	ID  string `json:"id"`
	TTL int64  `json:"ttl"` // seconds, often absent
}

// LegacyLogin trades the API key for a legacy session token.
func (c *Client) LegacyLogin(ctx context.Context, apiKey string) (*LegacyToken, error) {
	const op = "legacy.login"
	body, err := json.Marshal(map[string]string{"apiToken": apiKey})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.LegacyAuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var tok LegacyToken
	if err := c.do(req, op, &tok); err != nil {
		return nil, err
	}
	if tok.ID == "" {
		return nil, fmt.Errorf("%s: response carried no session id", op)
	}
	return &tok, nil
}

// ListBackends returns the raw catalog document for the session's generation.
func (c *Client) ListBackends(ctx context.Context, sess *Session) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, sess, http.MethodGet, "catalog.list", c.resource(sess, "backends"), nil, &raw)
	return raw, err
}

// SubmitResponse is the provider's acknowledgement of a submission.
type SubmitResponse struct {
	ID string `json:"id"`
}

// Submit sends payload to backendID and returns the provider job reference.
func (c *Client) Submit(ctx context.Context, sess *Session, backendID string, payload json.RawMessage) (string, error) {
	const op = "cloud.submit"
	var body any
	if sess.Strategy == StrategyLegacy {
		body = map[string]any{"backend": map[string]string{"name": backendID}, "payload": payload}
	} else {
		body = map[string]any{"backend": backendID, "payload": payload}
	}

	var resp SubmitResponse
	if err := c.call(ctx, sess, http.MethodPost, op, c.resource(sess, "jobs"), body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &HTTPError{Op: op, StatusCode: http.StatusBadGateway, Body: "response carried no job id"}
	}
	return resp.ID, nil
}

// JobStatus is a provider status report in its own vocabulary.
type JobStatus struct {
	Status string // raw provider status string
	Reason string // provider failure detail, if any
}

type statusBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	State  *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"state"`
	Error json.RawMessage `json:"error"`
}

// Status fetches the provider status of a job.
func (c *Client) Status(ctx context.Context, sess *Session, ref string) (*JobStatus, error) {
	var body statusBody
	if err := c.call(ctx, sess, http.MethodGet, "cloud.status", c.resource(sess, "jobs", ref), nil, &body); err != nil {
		return nil, err
	}

	st := &JobStatus{Status: body.Status, Reason: body.Reason}
	if body.State != nil {
		if body.State.Status != "" {
			st.Status = body.State.Status
		}
		if body.State.Reason != "" {
			st.Reason = body.State.Reason
		}
	}
	if st.Reason == "" && len(body.Error) > 0 && string(body.Error) != "null" {
		st.Reason = c.redact(errorText(body.Error))
	}
	return st, nil
}

// Result fetches the opaque result document of a completed job.
func (c *Client) Result(ctx context.Context, sess *Session, ref string) (json.RawMessage, error) {
	seg := "results"
	if sess.Strategy == StrategyLegacy {
		seg = "result"
	}
	var raw json.RawMessage
	err := c.call(ctx, sess, http.MethodGet, "cloud.result", c.resource(sess, "jobs", ref, seg), nil, &raw)
	return raw, err
}

// Cancel asks the provider to cancel a job.
func (c *Client) Cancel(ctx context.Context, sess *Session, ref string) error {
	return c.call(ctx, sess, http.MethodPost, "cloud.cancel", c.resource(sess, "jobs", ref, "cancel"), nil, nil)
}

// resource builds a resource URL for the session's generation.
// Legacy paths are capitalized ("Backends", "Jobs").
func (c *Client) resource(sess *Session, segments ...string) string {
	base := c.endpoints.RuntimeURL
	if sess.Strategy == StrategyLegacy {
		base = c.endpoints.LegacyAPIURL
		if len(segments) > 0 {
			segments[0] = strings.ToUpper(segments[0][:1]) + segments[0][1:]
		}
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(escaped, "/")
}

// call performs an authorized JSON request.
func (c *Client) call(ctx context.Context, sess *Session, method, op, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	sess.authorize(req)

	return c.do(req, op, out)
}

// do executes req, turns non-2xx into *HTTPError and decodes JSON into out.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, c.scrub(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: c.snippet(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: malformed response: %w", op, err)
	}
	return nil
}

func (c *Client) redact(s string) string {
	if c.redactor == nil {
		return s
	}
	return c.redactor.Redact(s)
}

// scrub redacts URL-bearing transport errors so a secret in a query never leaks.
func (c *Client) scrub(err error) error {
	if ue, ok := err.(*url.Error); ok {
		ue.URL = c.redact(ue.URL)
	}
	return err
}

func (c *Client) snippet(data []byte) string {
	s := strings.TrimSpace(c.redact(string(data)))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

// errorText flattens a provider error field that may be a string or an object.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
