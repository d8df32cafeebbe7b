package provider

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"deliveryd/internal/delivery"
)

// Error is a send failure reported by the provider. It unwraps to one of the
// delivery send classes.
type Error struct {
	Code       int
	Subcode    int
	HTTPStatus int
	Message    string
	// RetryIn is the provider's Retry-After hint, if any.
	RetryIn time.Duration

	class error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error code=%d status=%d: %s", e.Code, e.HTTPStatus, e.Message)
}

func (e *Error) Unwrap() error { return e.class }

// RetryAfter implements delivery.RetryAfterError.
func (e *Error) RetryAfter() time.Duration { return e.RetryIn }

// NewError builds a classified provider error.
func NewError(code, httpStatus int, msg string) *Error {
	return &Error{Code: code, HTTPStatus: httpStatus, Message: msg, class: Classify(code, httpStatus)}
}

// Classify maps a provider error code (or HTTP status when the code is
// unknown) to a send class.
func Classify(code, httpStatus int) error {
	switch {
	case code == 130429 || code == 131048 || code == 131056 || code == 80007 || code == 4:
		return delivery.ErrProviderRateLimited
	case code == 131030 || code == 131021 || code == 131026 || code == 131047 || code == 131049 || code == 131050:
		return delivery.ErrInvalidRecipient
	case code >= 132000 && code <= 132016, code == 131051:
		return delivery.ErrTemplateRejected
	case code == 131000 || code == 131016 || code == 1 || code == 2:
		return delivery.ErrTransientNetwork
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return delivery.ErrProviderRateLimited
	case httpStatus >= 500, httpStatus == http.StatusRequestTimeout:
		return delivery.ErrTransientNetwork
	case httpStatus == http.StatusUnauthorized, httpStatus == http.StatusForbidden:
		return delivery.ErrTransientNetwork
	}
	return delivery.ErrInvalidRecipient
}

// IsBlockSignal reports whether code means the recipient blocked or reported
// the sender (or the provider withheld delivery to protect the ecosystem).
func IsBlockSignal(code int) bool {
	return code == 131026 || code == 131050
}

// IsReportSignal reports whether code means the provider held the message
// back because recipients flagged the sender.
func IsReportSignal(code int) bool {
	return code == 131049 || code == 368
}

// ErrorCode extracts the provider error code from err's chain (0 if none).
func ErrorCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// wrapTransport classifies a transport-level failure. Timeouts and refused
// connections are indistinguishable from the job's point of view.
func wrapTransport(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: timeout: %v", delivery.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: %v", delivery.ErrTransientNetwork, err)
}
