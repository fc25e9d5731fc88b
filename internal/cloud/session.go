package cloud

import (
	"fmt"
	"net/http"
	"quantumjobs/internal/credential"
	"time"
)

// Strategy identifies the authentication generation a session came from.
type Strategy string

const (
	StrategyIAM    Strategy = "iam"
	StrategyLegacy Strategy = "legacy"
)

// Header names used on resource calls.
const (
	headerAuthorization = "Authorization"
	headerServiceCRN    = "Service-CRN"
	headerAccessToken   = "X-Access-Token"
)

// Session is a short-lived access session obtained from the cloud.
// Sessions are immutable once issued.
type Session struct {
	AccessToken    string
	Strategy       Strategy
	ExpiresAt      time.Time // zero when the provider gave no expiry
	ServiceContext string    // tenant/instance identifier, iam only
}

// ValidAt reports whether the session can still be handed out at now,
// keeping margin of headroom before expiry.
func (s *Session) ValidAt(now time.Time, margin time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Before(s.ExpiresAt.Add(-margin))
}

// String never includes the raw access token.
func (s *Session) String() string {
	if s == nil {
		return "<nil session>"
	}
	return fmt.Sprintf("%s session %s (expires %s)", s.Strategy, credential.Mask(s.AccessToken), s.ExpiresAt.Format(time.RFC3339))
}

// authorize attaches the session's credentials to req.
func (s *Session) authorize(req *http.Request) {
	switch s.Strategy {
	case StrategyLegacy:
		req.Header.Set(headerAccessToken, s.AccessToken)
	default:
		req.Header.Set(headerAuthorization, "Bearer "+s.AccessToken)
		if s.ServiceContext != "" {
			req.Header.Set(headerServiceCRN, s.ServiceContext)
		}
	}
}
