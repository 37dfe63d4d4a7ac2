// Package simulator is an in-memory payment backend implementing the same
// HTTP surface the client consumes: balance, history, initiation, status and
// receipts, all wrapped in the standard response envelope. It settles
// transactions deterministically after a configurable number of status
// checks, which makes it usable both as a demo backend and as the fixture
// for end-to-end tests.
package simulator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/config"
	"github.com/dmuwanga/tenantpay/internal/money"
)

// Options shape the simulator's behavior.
type Options struct {
	// SettleAfter is the number of status checks a transaction stays Pending
	// before settling. Zero settles on the first check.
	SettleAfter int
	// FailAmount makes any initiation of exactly this amount settle as
	// Failed, for exercising failure paths. Zero disables it.
	FailAmount int64
	// Token, when set, is the only accepted bearer token; requests with any
	// other token get a 401.
	Token string
}

// transaction is the simulator's record of one initiated payment.
type transaction struct {
	initiation api.Initiation
	leaseID    string
	amount     int64
	checks     int
	status     api.Status
	message    string
	processed  *time.Time
}

// Server holds the in-memory state behind the HTTP handlers.
type Server struct {
	opts   Options
	router *mux.Router

	mu           sync.RWMutex
	leases       map[string]api.Balance
	transactions map[string]*transaction // by transaction id
	payments     map[string]*transaction // by payment id
	history      map[string][]api.PaymentRecord
}

// New creates a simulator with no leases; seed with AddLease.
func New(opts Options) *Server {
	s := &Server{
		opts:         opts,
		leases:       make(map[string]api.Balance),
		transactions: make(map[string]*transaction),
		payments:     make(map[string]*transaction),
		history:      make(map[string][]api.PaymentRecord),
	}

	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/payments/lease/{leaseId}/balance", s.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/payments/lease/{leaseId}/history", s.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/payments/initiate", s.initiate).Methods(http.MethodPost)
	r.HandleFunc("/payments/status/{transactionId}", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/payments/{paymentId}/receipt", s.getReceipt).Methods(http.MethodGet)
	r.HandleFunc("/payments", s.listPayments).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddLease seeds a lease balance.
func (s *Server) AddLease(balance api.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[balance.LeaseID] = balance
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.opts.Token {
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	leaseID := mux.Vars(r)["leaseId"]

	s.mu.RLock()
	balance, ok := s.leases[leaseID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Lease not found")
		return
	}
	writeData(w, http.StatusOK, balance)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	leaseID := mux.Vars(r)["leaseId"]

	s.mu.RLock()
	_, known := s.leases[leaseID]
	records := append([]api.PaymentRecord(nil), s.history[leaseID]...)
	s.mu.RUnlock()
	if !known {
		writeError(w, http.StatusNotFound, "Lease not found")
		return
	}
	if records == nil {
		records = []api.PaymentRecord{}
	}
	writeData(w, http.StatusOK, records)
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	s.mu.RLock()
	var records []api.PaymentRecord
	for _, recs := range s.history {
		for _, rec := range recs {
			if status == "" || string(rec.Status) == status {
				records = append(records, rec)
			}
		}
	}
	s.mu.RUnlock()

	if offset > 0 {
		if offset >= len(records) {
			records = nil
		} else {
			records = records[offset:]
		}
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	if records == nil {
		records = []api.PaymentRecord{}
	}
	writeData(w, http.StatusOK, records)
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if msg := s.validateInitiation(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now()
	txn := &transaction{
		leaseID: req.LeaseID,
		amount:  req.Amount,
		status:  api.StatusPending,
		message: "Awaiting confirmation on the customer's handset",
		initiation: api.Initiation{
			PaymentID:           uuid.NewString(),
			TransactionID:       uuid.NewString(),
			LeaseID:             req.LeaseID,
			Amount:              req.Amount,
			Status:              "pending",
			StatusMessage:       "Payment initiated",
			EstimatedCompletion: now.Add(config.MaxPollDuration).Format(time.RFC3339),
			VendorReference:     "VND-" + uuid.NewString()[:8],
		},
	}

	s.mu.Lock()
	s.transactions[txn.initiation.TransactionID] = txn
	s.payments[txn.initiation.PaymentID] = txn
	s.mu.Unlock()

	slog.Info("sim_payment_initiated",
		"txn_id", txn.initiation.TransactionID,
		"lease_id", req.LeaseID,
		"amount", req.Amount,
	)
	writeData(w, http.StatusOK, txn.initiation)
}

func (s *Server) validateInitiation(req api.InitiationRequest) string {
	if req.LeaseID == "" {
		return "leaseId is required"
	}
	s.mu.RLock()
	balance, known := s.leases[req.LeaseID]
	s.mu.RUnlock()
	if !known {
		return "leaseId is not recognized"
	}
	min := balance.MinimumPayment
	if min <= 0 {
		min = config.MinimumPayment
	}
	if v := money.ValidateAmount(req.Amount, min, 0); !v.Valid {
		return v.Err
	}
	if v := money.ValidatePhone(req.PhoneNumber); !v.Valid {
		return v.Err
	}
	if req.PaymentMethod != "mobile_money" {
		return "paymentMethod must be mobile_money"
	}
	return ""
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["transactionId"]

	s.mu.Lock()
	txn, ok := s.transactions[txnID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}

	if !txn.status.IsTerminal() {
		txn.checks++
		if txn.checks > s.opts.SettleAfter {
			s.settleLocked(txn)
		}
	}
	resp := api.TransactionStatus{
		TransactionID:   txnID,
		Status:          txn.status,
		StatusMessage:   txn.message,
		Amount:          txn.amount,
		ProcessedAt:     txn.processed,
		VendorReference: txn.initiation.VendorReference,
	}
	s.mu.Unlock()

	writeData(w, http.StatusOK, resp)
}

// settleLocked flips a pending transaction to its terminal state and updates
// the lease position and history. Caller holds s.mu.
func (s *Server) settleLocked(txn *transaction) {
	now := time.Now()
	txn.processed = &now

	if s.opts.FailAmount > 0 && txn.amount == s.opts.FailAmount {
		txn.status = api.StatusFailed
		txn.message = "The customer rejected the payment request"
	} else {
		txn.status = api.StatusSuccess
		txn.message = "Payment completed successfully"

		balance := s.leases[txn.leaseID]
		balance.PaidAmount += txn.amount
		balance.OutstandingBalance -= txn.amount
		if balance.OutstandingBalance < 0 {
			balance.OutstandingBalance = 0
		}
		balance.IsOverdue = false
		s.leases[txn.leaseID] = balance
	}

	s.history[txn.leaseID] = append(s.history[txn.leaseID], api.PaymentRecord{
		PaymentID:     txn.initiation.PaymentID,
		TransactionID: txn.initiation.TransactionID,
		LeaseID:       txn.leaseID,
		Amount:        txn.amount,
		Status:        txn.status,
		PaymentMethod: "mobile_money",
		PaidDate:      now.Format(time.RFC3339),
		CreatedAt:     now.Format(time.RFC3339),
	})

	slog.Info("sim_payment_settled",
		"txn_id", txn.initiation.TransactionID,
		"status", txn.status,
	)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentId"]

	s.mu.RLock()
	txn, ok := s.payments[paymentID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Payment not found")
		return
	}
	if txn.status != api.StatusSuccess {
		writeError(w, http.StatusBadRequest, "Receipt only available for completed payments")
		return
	}

	writeData(w, http.StatusOK, api.Receipt{
		ReceiptNumber: "RCT-" + txn.initiation.PaymentID[:8],
		PaymentID:     txn.initiation.PaymentID,
		TransactionID: txn.initiation.TransactionID,
		Amount:        txn.amount,
		Currency:      "UGX",
		PaymentMethod: "mobile_money",
		PaidDate:      txn.processed.Format(time.RFC3339),
		GeneratedAt:   time.Now().Format(time.RFC3339),
	})
}

// envelope mirrors the backend's response wrapper. Data must not be omitempty:
// an empty history is a present-but-empty array, which clients distinguish
// from a missing payload.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
