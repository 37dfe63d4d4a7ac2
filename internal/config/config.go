package config

import "time"

const (
	// MinimumPayment is the smallest amount (UGX) the mobile money vendor accepts.
	MinimumPayment = 10000

	// PollInterval is the delay between consecutive payment status fetches.
	PollInterval = 3 * time.Second

	// MaxPollDuration is the wall-clock cap on a poll session. Once elapsed time
	// passes this the session times out, regardless of how many fetches ran.
	MaxPollDuration = 120 * time.Second

	// MaxRetryAttempts is the total number of attempts for retryable API calls.
	MaxRetryAttempts = 3

	// RetryDelay is the base delay for linear backoff between retry attempts.
	RetryDelay = 1 * time.Second

	// RequestTimeout is the per-request deadline for backend calls.
	RequestTimeout = 15 * time.Second

	// ServerPort is the default simulator HTTP port.
	ServerPort = ":4000"
)
