package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on. Messages are user-facing
// and surfaced unmodified by the layers above.
var (
	ErrLeaseNotFound       = errors.New("Lease not found")
	ErrTransactionNotFound = errors.New("Transaction not found")
	ErrPaymentNotFound     = errors.New("Payment not found")
	ErrReceiptNotReady     = errors.New("Receipt only available for completed payments")
	ErrSessionExpired      = errors.New("Session expired. Please login again.")
)

// InvalidRequestError is a backend 400: the request itself is structurally
// wrong, so retrying it verbatim cannot succeed. Message carries the
// backend's own explanation when it supplied one.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return e.Message
}

// RequestError is any other failed call: transport failure or a non-2xx
// response outside the mapped classes. Callers treat it as retryable.
type RequestError struct {
	Op      string
	Message string
	Cause   error
}

func (e *RequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an error may succeed on a repeat attempt.
// Validation rejections, not-found conditions and expired sessions will not.
func IsRetryable(err error) bool {
	var invalid *InvalidRequestError
	if errors.As(err, &invalid) {
		return false
	}
	switch {
	case errors.Is(err, ErrLeaseNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrReceiptNotReady),
		errors.Is(err, ErrSessionExpired):
		return false
	}
	return true
}
