package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/scrub"
)

// ErrCapability is returned when a provider cannot perform the requested
// action, e.g. an image sent to a text-only model.
var ErrCapability = errors.New("provider capability refused")

// Error is a normalized provider failure. Message is already sanitized;
// raw upstream bodies never leave this package.
type Error struct {
	Provider   string
	Message    string
	RateLimit  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps an upstream failure with sanitized context.
func newError(provider string, err error) *Error {
	msg := scrub.APIError(err.Error())
	pe := &Error{Provider: provider, Message: msg, Err: err}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota") {
		pe.RateLimit = true
		pe.RetryAfter = 30 * time.Second
	}
	return pe
}

// CapabilityError builds the deterministic error surfaced when a message
// needs a capability the provider lacks.
func CapabilityError(provider, capability string) error {
	return fmt.Errorf("%w: provider %s lacks %s", ErrCapability, provider, capability)
}
