// Package flow sequences one user-facing payment attempt: amount selection,
// phone and provider resolution, PIN confirmation, initiation, and poll
// supervision through to a terminal outcome.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/config"
	"github.com/dmuwanga/tenantpay/internal/money"
	"github.com/dmuwanga/tenantpay/internal/poller"
	"github.com/dmuwanga/tenantpay/internal/retry"
)

// Step is the position of a flow instance in its lifecycle.
type Step string

const (
	StepIdle            Step = "idle"
	StepAmountSelection Step = "amount-selection"
	StepPinEntry        Step = "pin-entry"
	StepProcessing      Step = "processing"
	StepSuccess         Step = "success"
	StepFailed          Step = "failed"
)

// State is the UI-facing snapshot of a flow instance. Err is a user-facing
// message attached to the current step; the flow never auto-advances past a
// step whose action failed.
type State struct {
	Step          Step
	Amount        int64
	PhoneNumber   string
	Provider      money.Provider
	TransactionID string
	Err           string
	TimedOut      bool
	Loading       bool
}

var (
	// ErrWrongStep is returned when an action is invoked from a step it does
	// not belong to, e.g. confirming an amount before the flow is open.
	ErrWrongStep = errors.New("action not available in the current step")
	// ErrPaymentInFlight is returned when a second initiation is attempted
	// while one is unresolved. Initiate is not idempotent server-side.
	ErrPaymentInFlight = errors.New("a payment is already being processed")
)

// Backend is the slice of the API client the flow depends on.
type Backend interface {
	GetBalance(ctx context.Context, leaseID string) (api.Balance, error)
	GetHistory(ctx context.Context, leaseID string) ([]api.PaymentRecord, error)
	Initiate(ctx context.Context, req api.InitiationRequest) (api.Initiation, error)
	GetStatus(ctx context.Context, transactionID string) (api.TransactionStatus, error)
	GetReceipt(ctx context.Context, paymentID string) (api.Receipt, error)
}

// Options configure a Controller.
type Options struct {
	// LeaseID is the lease this flow pays against.
	LeaseID string
	// ProfilePhone is the tenant's registered mobile money number.
	ProfilePhone string
	// Poller overrides the default poller; mainly for tests.
	Poller *poller.Poller
	// Retrier overrides the default retrier; mainly for tests. One retrier
	// serves every wrapped call the controller makes, so its Attempts and
	// IsRetrying feedback describes the most recent call only.
	Retrier *retry.Retrier
	// OnChange observes every state transition with a snapshot.
	OnChange func(State)
	// OnBalanceStale fires after a successful payment settles, signalling
	// that the displayed balance should be refetched.
	OnBalanceStale func()
}

// Controller is the finite-state machine for one payment flow instance. Each
// screen or transaction gets its own Controller; nothing is shared between
// instances. Safe for concurrent use.
type Controller struct {
	backend      Backend
	poll         *poller.Poller
	retrier      *retry.Retrier
	leaseID      string
	profilePhone string

	onChange       func(State)
	onBalanceStale func()

	mu               sync.Mutex
	state            State
	generation       uint64
	balance          *api.Balance
	history          []api.PaymentRecord
	initiation       *api.Initiation
	initiateInFlight bool
}

// New creates a Controller. The poller's callbacks are owned by the
// controller for the controller's lifetime.
func New(backend Backend, opts Options) *Controller {
	c := &Controller{
		backend:        backend,
		leaseID:        opts.LeaseID,
		profilePhone:   opts.ProfilePhone,
		onChange:       opts.OnChange,
		onBalanceStale: opts.OnBalanceStale,
		state:          State{Step: StepIdle},
	}

	c.poll = opts.Poller
	if c.poll == nil {
		c.poll = poller.New(backend, poller.Options{})
	}
	c.retrier = opts.Retrier
	if c.retrier == nil {
		c.retrier = retry.New(retry.Options{RetryIf: api.IsRetryable})
	}

	c.poll.SetCallbacks(poller.Callbacks{
		OnSuccess: c.handleSettled,
		OnFailed:  c.handleFailed,
		OnError:   c.handlePollError,
	})
	return c
}

// State returns a snapshot of the current flow state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRetrying reports whether a wrapped backend call is past its first
// attempt. LoadBalance, LoadHistory and SubmitPIN share the one retrier, so
// concurrent calls interleave this feedback; run them sequentially when it
// matters, the way the step machine naturally does.
func (c *Controller) IsRetrying() bool {
	return c.retrier.IsRetrying()
}

// Balance returns the last loaded balance, if any.
func (c *Controller) Balance() (api.Balance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance == nil {
		return api.Balance{}, false
	}
	return *c.balance, true
}

// History returns the last loaded payment history.
func (c *Controller) History() []api.PaymentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history
}

// LoadBalance fetches and caches the lease balance, with bounded retry.
func (c *Controller) LoadBalance(ctx context.Context) (api.Balance, error) {
	balance, err := retry.Do(ctx, c.retrier, func(ctx context.Context) (api.Balance, error) {
		return c.backend.GetBalance(ctx, c.leaseID)
	})
	if err != nil {
		return api.Balance{}, err
	}

	c.mu.Lock()
	c.balance = &balance
	c.mu.Unlock()
	return balance, nil
}

// LoadHistory fetches and caches the lease payment history, with bounded
// retry. A lease with no payments yields an empty history.
func (c *Controller) LoadHistory(ctx context.Context) ([]api.PaymentRecord, error) {
	history, err := retry.Do(ctx, c.retrier, func(ctx context.Context) ([]api.PaymentRecord, error) {
		return c.backend.GetHistory(ctx, c.leaseID)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.history = history
	c.mu.Unlock()
	return history, nil
}

// SuggestedAmounts returns the quick-pick amounts for the loaded balance.
func (c *Controller) SuggestedAmounts() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance == nil || c.balance.OutstandingBalance <= 0 {
		return nil
	}
	return money.SuggestAmounts(c.balance.OutstandingBalance, c.minimumLocked())
}

// Open moves an idle flow to amount selection. The balance must be loaded
// first so validation bounds and suggestions are available.
func (c *Controller) Open() error {
	c.mu.Lock()
	if c.state.Step != StepIdle {
		c.mu.Unlock()
		return ErrWrongStep
	}
	if c.balance == nil {
		c.mu.Unlock()
		return errors.New("balance not loaded")
	}
	c.state = State{Step: StepAmountSelection}
	c.mu.Unlock()

	slog.Info("payment_flow_opened", "lease_id", c.leaseID)
	c.emit()
	return nil
}

// ConfirmAmount validates the chosen amount, resolves the tenant's phone
// number and provider, and advances to PIN entry. Validation failures keep
// the flow in amount selection with Err set.
func (c *Controller) ConfirmAmount(amount int64) error {
	c.mu.Lock()
	if c.state.Step != StepAmountSelection {
		c.mu.Unlock()
		return ErrWrongStep
	}

	if v := money.ValidateAmount(amount, c.minimumLocked(), 0); !v.Valid {
		c.state.Err = v.Err
		c.mu.Unlock()
		c.emit()
		return errors.New(v.Err)
	}

	phone := money.NormalizePhone(c.profilePhone)
	if v := money.ValidatePhone(phone); !v.Valid {
		c.state.Err = v.Err
		c.mu.Unlock()
		c.emit()
		return errors.New(v.Err)
	}

	provider := money.ClassifyProvider(phone)
	if !provider.Known() {
		msg := "Phone number is not registered with a supported mobile money provider"
		c.state.Err = msg
		c.mu.Unlock()
		c.emit()
		return errors.New(msg)
	}

	c.state = State{
		Step:        StepPinEntry,
		Amount:      amount,
		PhoneNumber: phone,
		Provider:    provider,
	}
	c.mu.Unlock()

	slog.Info("payment_amount_confirmed",
		"lease_id", c.leaseID,
		"amount", amount,
		"provider", provider,
	)
	c.emit()
	return nil
}

// SubmitPIN initiates the payment after the tenant confirms on-device. The
// PIN itself never leaves the device; the vendor prompts for it out of band.
// Only one initiation may be unresolved per flow instance: initiate creates a
// new transaction server-side on every call, so this guard is the caller-level
// deduplication the backend contract requires.
func (c *Controller) SubmitPIN(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Step != StepPinEntry {
		c.mu.Unlock()
		return ErrWrongStep
	}
	if c.initiateInFlight {
		c.mu.Unlock()
		return ErrPaymentInFlight
	}
	c.initiateInFlight = true
	c.state.Loading = true
	c.state.Err = ""
	gen := c.generation
	req := api.InitiationRequest{
		LeaseID:       c.leaseID,
		Amount:        c.state.Amount,
		PhoneNumber:   c.state.PhoneNumber,
		Provider:      string(c.state.Provider),
		PaymentMethod: "mobile_money",
	}
	c.mu.Unlock()
	c.emit()

	initiation, err := retry.Do(ctx, c.retrier, func(ctx context.Context) (api.Initiation, error) {
		return c.backend.Initiate(ctx, req)
	})

	c.mu.Lock()
	if c.generation != gen || !c.initiateInFlight {
		// The flow was closed or reset while the call was in flight; the
		// result belongs to a torn-down attempt and must not advance anything.
		c.mu.Unlock()
		slog.Info("payment_initiation_discarded", "lease_id", c.leaseID)
		return nil
	}
	c.state.Loading = false
	if err != nil {
		c.initiateInFlight = false
		c.state.Err = err.Error()
		c.mu.Unlock()

		slog.Warn("payment_initiation_failed", "lease_id", c.leaseID, "error", err)
		c.emit()
		return err
	}

	c.initiation = &initiation
	c.state.TransactionID = initiation.TransactionID
	c.state.Step = StepProcessing
	c.mu.Unlock()

	slog.Info("payment_initiated",
		"lease_id", c.leaseID,
		"txn_id", initiation.TransactionID,
		"amount", initiation.Amount,
	)
	c.emit()
	c.poll.Start(initiation.TransactionID)
	return nil
}

// Receipt fetches the receipt for a successfully settled payment.
func (c *Controller) Receipt(ctx context.Context) (api.Receipt, error) {
	c.mu.Lock()
	if c.state.Step != StepSuccess || c.initiation == nil {
		c.mu.Unlock()
		return api.Receipt{}, ErrWrongStep
	}
	paymentID := c.initiation.PaymentID
	c.mu.Unlock()

	return c.backend.GetReceipt(ctx, paymentID)
}

// Retry returns a failed flow to amount selection, preserving nothing but the
// loaded balance and history.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.state.Step != StepFailed {
		c.mu.Unlock()
		return ErrWrongStep
	}
	c.state = State{Step: StepAmountSelection}
	c.generation++
	c.initiation = nil
	c.initiateInFlight = false
	c.mu.Unlock()

	slog.Info("payment_flow_retrying", "lease_id", c.leaseID)
	c.emit()
	return nil
}

// Close resets the flow to idle from any step and tears down any active poll
// session. An initiate call still in flight resolves into a dead generation
// and is discarded.
func (c *Controller) Close() {
	c.poll.Stop()

	c.mu.Lock()
	c.state = State{Step: StepIdle}
	c.generation++
	c.initiation = nil
	c.initiateInFlight = false
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) handleSettled(status api.TransactionStatus) {
	c.mu.Lock()
	if c.state.Step != StepProcessing {
		c.mu.Unlock()
		return
	}
	c.state.Step = StepSuccess
	c.state.Err = ""
	c.initiateInFlight = false
	c.mu.Unlock()

	slog.Info("payment_flow_settled", "txn_id", status.TransactionID, "amount", status.Amount)
	c.emit()
	if c.onBalanceStale != nil {
		c.onBalanceStale()
	}
}

func (c *Controller) handleFailed(status api.TransactionStatus) {
	message := status.StatusMessage
	if message == "" {
		message = "Payment failed"
	}
	c.terminalFailure(message, false)
	slog.Warn("payment_flow_failed", "txn_id", status.TransactionID, "reason", message)
}

func (c *Controller) handlePollError(err error) {
	if errors.Is(err, poller.ErrTimeout) {
		c.terminalFailure(err.Error(), true)
		return
	}

	// Transient fetch error: record it for display, stay in processing.
	c.mu.Lock()
	if c.state.Step == StepProcessing {
		c.state.Err = err.Error()
	}
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) terminalFailure(message string, timedOut bool) {
	c.mu.Lock()
	if c.state.Step != StepProcessing {
		c.mu.Unlock()
		return
	}
	c.state.Step = StepFailed
	c.state.Err = message
	c.state.TimedOut = timedOut
	c.initiateInFlight = false
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) minimumLocked() int64 {
	if c.balance != nil && c.balance.MinimumPayment > 0 {
		return c.balance.MinimumPayment
	}
	return config.MinimumPayment
}

func (c *Controller) emit() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.State())
}
