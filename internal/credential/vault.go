// Package credential holds the long-lived cloud API secret.
//
// The secret value leaves this package only through Reveal, which is called
// by the code that places it on the wire. Everything else sees Masked or
// passes text through Redact.
package credential

import (
	"log/slog"
	"quantumjobs/internal/apperrors"
	"strings"
)

const redacted = "[REDACTED]"

// Vault is an immutable holder for the API secret. Safe for concurrent use.
type Vault struct {
	secret string
}

// NewVault returns a vault for secret. An empty secret is a configuration error.
func NewVault(secret string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, apperrors.Configuration("apiKey", "API secret is required (set QUANTUM_API_KEY or QUANTUM_API_KEY_FILE)")
	}
	return &Vault{secret: secret}, nil
}

// Reveal returns the raw secret for request construction. Never log the result.
func (v *Vault) Reveal() string {
	return v.secret
}

// Masked returns the secret with everything but the first and last 4 characters hidden.
func (v *Vault) Masked() string {
	return Mask(v.secret)
}

// String implements fmt.Stringer so an accidental %v prints the masked form.
func (v *Vault) String() string {
	return v.Masked()
}

// LogValue implements slog.LogValuer so the secret stays out of log output.
func (v *Vault) LogValue() slog.Value {
	return slog.StringValue(v.Masked())
}

// Redact replaces every occurrence of the secret in s.
func (v *Vault) Redact(s string) string {
	if v == nil || v.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, v.secret, redacted)
}

// Mask hides all but the first and last 4 characters of s.
// Values of 8 characters or fewer are fully hidden.
func Mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
