// Package api is the typed client for the tenant portal payment backend.
// Every operation unwraps the backend's response envelope and maps failures
// to message-bearing errors; callers never see raw HTTP details.
package api

import "time"

// Status is the server-authoritative state of a payment transaction. The
// client only ever reads it.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// IsTerminal returns true if no further status transition will occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Balance is the rent position for one lease, as computed by the backend.
type Balance struct {
	LeaseID            string `json:"leaseId"`
	MonthlyRent        int64  `json:"monthlyRent"`
	PaidAmount         int64  `json:"paidAmount"`
	OutstandingBalance int64  `json:"outstandingBalance"`
	MinimumPayment     int64  `json:"minimumPayment"`
	DueDate            string `json:"dueDate"`
	IsOverdue          bool   `json:"isOverdue"`
	NextPaymentDue     string `json:"nextPaymentDue,omitempty"`
}

// InitiationRequest asks the backend to start a mobile money collection.
type InitiationRequest struct {
	LeaseID       string `json:"leaseId"`
	Amount        int64  `json:"amount"`
	PhoneNumber   string `json:"phoneNumber"`
	Provider      string `json:"provider"`
	PaymentMethod string `json:"paymentMethod"`
}

// Initiation is the backend's acknowledgement of a started payment. The
// transaction is not settled yet; TransactionID is what status polling keys on.
type Initiation struct {
	PaymentID           string `json:"paymentId"`
	TransactionID       string `json:"transactionId"`
	LeaseID             string `json:"leaseId"`
	Amount              int64  `json:"amount"`
	Status              string `json:"status"`
	StatusMessage       string `json:"statusMessage"`
	EstimatedCompletion string `json:"estimatedCompletion"`
	VendorReference     string `json:"vendorReference"`
}

// TransactionStatus is one observation of an in-flight or settled transaction.
type TransactionStatus struct {
	TransactionID   string     `json:"transactionId"`
	Status          Status     `json:"status"`
	StatusMessage   string     `json:"statusMessage"`
	Amount          int64      `json:"amount"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	VendorReference string     `json:"vendorReference,omitempty"`
}

// PaymentRecord is one entry of a lease's payment history.
type PaymentRecord struct {
	PaymentID     string `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	LeaseID       string `json:"leaseId"`
	Amount        int64  `json:"amount"`
	Status        Status `json:"status"`
	PaymentMethod string `json:"paymentMethod"`
	PaidDate      string `json:"paidDate,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// Receipt is issued for completed payments only.
type Receipt struct {
	ReceiptNumber string `json:"receiptNumber"`
	PaymentID     string `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
	PaidDate      string `json:"paidDate"`
	GeneratedAt   string `json:"generatedAt"`
}

// ListFilter narrows the all-payments listing. Zero values mean unfiltered.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}
