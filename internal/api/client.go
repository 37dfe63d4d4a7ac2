package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dmuwanga/tenantpay/internal/config"
)

// TokenProvider supplies the bearer token for each request. A 401 response
// triggers InvalidateSession; what happens after that (re-login, navigation)
// is the owner's concern.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	InvalidateSession()
}

// Client talks to the payment backend. It is stateless per call and safe for
// concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenProvider
}

// New creates a Client against the given base URL, e.g. "http://host:4000".
func New(baseURL string, tokens TokenProvider) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: config.RequestTimeout},
		tokens:  tokens,
	}
}

// NewWithHTTPClient creates a Client using a caller-supplied http.Client.
func NewWithHTTPClient(baseURL string, tokens TokenProvider, httpc *http.Client) *Client {
	return &Client{baseURL: baseURL, httpc: httpc, tokens: tokens}
}

// GetBalance fetches the rent position for a lease.
func (c *Client) GetBalance(ctx context.Context, leaseID string) (Balance, error) {
	return getJSON[Balance](ctx, c, callSpec{
		path:     "/payments/lease/" + url.PathEscape(leaseID) + "/balance",
		fallback: "Failed to get payment balance",
		notFound: ErrLeaseNotFound,
	})
}

// GetHistory fetches the payment history for a lease. A lease with no
// recorded payments is an empty history, not an error.
func (c *Client) GetHistory(ctx context.Context, leaseID string) ([]PaymentRecord, error) {
	records, err := getJSON[[]PaymentRecord](ctx, c, callSpec{
		path:       "/payments/lease/" + url.PathEscape(leaseID) + "/history",
		fallback:   "Failed to get payment history",
		emptyOn404: true,
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListPayments fetches the tenant's payments across leases, optionally
// filtered by status and paginated.
func (c *Client) ListPayments(ctx context.Context, filter ListFilter) ([]PaymentRecord, error) {
	params := url.Values{}
	if filter.Status != "" {
		params.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		params.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/payments"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return getJSON[[]PaymentRecord](ctx, c, callSpec{
		path:     path,
		fallback: "Failed to get payments",
	})
}

// Initiate starts a mobile money collection. It is NOT idempotent: repeating
// the call creates a new transaction server-side, so callers must guard
// against duplicate submission themselves rather than blindly retrying.
func (c *Client) Initiate(ctx context.Context, req InitiationRequest) (Initiation, error) {
	return postJSON[Initiation](ctx, c, "/payments/initiate", req, callSpec{
		fallback: "Failed to initiate payment",
	})
}

// GetStatus fetches the current state of one transaction. Safe to repeat.
func (c *Client) GetStatus(ctx context.Context, transactionID string) (TransactionStatus, error) {
	return getJSON[TransactionStatus](ctx, c, callSpec{
		path:     "/payments/status/" + url.PathEscape(transactionID),
		fallback: "Failed to get payment status",
		notFound: ErrTransactionNotFound,
	})
}

// GetReceipt fetches the receipt of a completed payment.
func (c *Client) GetReceipt(ctx context.Context, paymentID string) (Receipt, error) {
	return getJSON[Receipt](ctx, c, callSpec{
		path:       "/payments/" + url.PathEscape(paymentID) + "/receipt",
		fallback:   "Failed to get receipt",
		notFound:   ErrPaymentNotFound,
		badRequest: ErrReceiptNotReady,
	})
}

// envelope is the wire wrapper around every backend response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// errorMessage picks the backend's explanation, preferring error over message.
func (e envelope) errorMessage(fallback string) string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return fallback
}

// callSpec is the per-operation error mapping for a backend call.
type callSpec struct {
	path       string
	fallback   string
	notFound   error // sentinel for 404; nil falls through to a generic error
	badRequest error // sentinel for 400; nil means surface the backend message
	emptyOn404 bool  // treat 404 as an empty successful result
}

func getJSON[T any](ctx context.Context, c *Client, spec callSpec) (T, error) {
	return roundTrip[T](ctx, c, http.MethodGet, spec.path, nil, spec)
}

func postJSON[T any](ctx context.Context, c *Client, path string, body any, spec callSpec) (T, error) {
	spec.path = path
	payload, err := json.Marshal(body)
	if err != nil {
		var zero T
		return zero, &RequestError{Op: path, Message: spec.fallback, Cause: err}
	}
	return roundTrip[T](ctx, c, http.MethodPost, path, payload, spec)
}

func roundTrip[T any](ctx context.Context, c *Client, method, path string, body []byte, spec callSpec) (T, error) {
	var zero T

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return zero, &RequestError{Op: path, Message: spec.fallback, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return zero, &RequestError{Op: path, Message: spec.fallback, Cause: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return zero, &RequestError{
			Op:      path,
			Message: "Unable to connect to server. Please check your connection.",
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.InvalidateSession()
		return zero, ErrSessionExpired

	case resp.StatusCode == http.StatusNotFound:
		if spec.emptyOn404 {
			return zero, nil
		}
		if spec.notFound != nil {
			return zero, spec.notFound
		}
		return zero, &RequestError{Op: path, Message: spec.fallback}

	case resp.StatusCode == http.StatusBadRequest:
		if spec.badRequest != nil {
			return zero, spec.badRequest
		}
		message := "Invalid payment data"
		if decodeErr == nil {
			// Surface the backend's own wording verbatim when it gave one.
			if m := env.errorMessage(""); m != "" {
				message = m
			}
		}
		return zero, &InvalidRequestError{Message: message}

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		message := spec.fallback
		if decodeErr == nil {
			message = env.errorMessage(spec.fallback)
		}
		slog.Warn("backend_request_failed",
			"path", path,
			"status", resp.StatusCode,
		)
		return zero, &RequestError{Op: path, Message: message}
	}

	if decodeErr != nil {
		return zero, &RequestError{Op: path, Message: spec.fallback, Cause: decodeErr}
	}
	if !env.Success || env.Data == nil {
		return zero, fmt.Errorf("%s", env.errorMessage(spec.fallback))
	}

	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return zero, &RequestError{Op: path, Message: spec.fallback, Cause: err}
	}
	return out, nil
}
