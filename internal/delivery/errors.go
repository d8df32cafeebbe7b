package delivery

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Provider errors unwrap to one of the send classes so callers
// can use errors.Is regardless of the concrete provider error type.
var (
	ErrCapacityExhausted   = errors.New("capacity exhausted")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrTemplateRejected    = errors.New("template rejected")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrNoApprovedTemplate  = errors.New("no approved template")
	ErrSignatureInvalid    = errors.New("signature invalid")

	ErrIllegalTransition = errors.New("illegal state transition")
	ErrAlreadyDelivered  = errors.New("subscriber already delivered in cycle")
	ErrNoConsent         = errors.New("subscriber has no consent")
	ErrNotFound          = errors.New("not found")
	ErrUnknownIdentity   = errors.New("unknown sending identity")
	ErrIdentityPaused    = errors.New("sending identity paused by quality rating")
)

// Retryable reports whether err belongs to a retryable send class.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrTransientNetwork)
}

// Reason returns a short, stable label for a send error, used in audit rows.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrTemplateRejected):
		return "template_rejected"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrCapacityExhausted):
		return "capacity_exhausted"
	case errors.Is(err, ErrNoApprovedTemplate):
		return "no_approved_template"
	default:
		return "unknown"
	}
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %v", e.JobID, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// RetryAfter attaches a minimum delay hint to err (e.g. from a 429 response).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryHint extracts the largest retry-after hint in err's chain.
func RetryHint(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
