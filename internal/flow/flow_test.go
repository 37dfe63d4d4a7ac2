package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/money"
	"github.com/dmuwanga/tenantpay/internal/poller"
	"github.com/dmuwanga/tenantpay/internal/retry"
)

// fakeBackend implements Backend with programmable behavior per operation.
type fakeBackend struct {
	mu            sync.Mutex
	balance       api.Balance
	balanceErr    error
	history       []api.PaymentRecord
	initiateFn    func(req api.InitiationRequest) (api.Initiation, error)
	statusFn      func(transactionID string) (api.TransactionStatus, error)
	receipt       api.Receipt
	receiptErr    error
	initiateCalls int
	statusCalls   int
}

func newFakeBackend() *fakeBackend {
	f := &fakeBackend{
		balance: api.Balance{
			LeaseID:            "lease-1",
			MonthlyRent:        450000,
			OutstandingBalance: 450000,
			MinimumPayment:     10000,
			DueDate:            "2026-09-01",
		},
	}
	f.initiateFn = func(req api.InitiationRequest) (api.Initiation, error) {
		return api.Initiation{
			PaymentID:     "pay-1",
			TransactionID: "txn-1",
			LeaseID:       req.LeaseID,
			Amount:        req.Amount,
			Status:        "pending",
		}, nil
	}
	f.statusFn = func(transactionID string) (api.TransactionStatus, error) {
		return api.TransactionStatus{
			TransactionID: transactionID,
			Status:        api.StatusSuccess,
			StatusMessage: "Payment completed successfully",
			Amount:        200000,
		}, nil
	}
	return f
}

func (f *fakeBackend) GetBalance(ctx context.Context, leaseID string) (api.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return api.Balance{}, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeBackend) GetHistory(ctx context.Context, leaseID string) ([]api.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeBackend) Initiate(ctx context.Context, req api.InitiationRequest) (api.Initiation, error) {
	f.mu.Lock()
	f.initiateCalls++
	fn := f.initiateFn
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeBackend) GetStatus(ctx context.Context, transactionID string) (api.TransactionStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()
	return fn(transactionID)
}

func (f *fakeBackend) GetReceipt(ctx context.Context, paymentID string) (api.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return api.Receipt{}, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeBackend) setInitiate(fn func(req api.InitiationRequest) (api.Initiation, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateFn = fn
}

func (f *fakeBackend) setStatus(fn func(transactionID string) (api.TransactionStatus, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFn = fn
}

func (f *fakeBackend) initiations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls
}

func (f *fakeBackend) statuses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// stateWatcher records every emitted state and lets tests wait for a step.
type stateWatcher struct {
	mu     sync.Mutex
	states []State
}

func (w *stateWatcher) observe(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, s)
}

func (w *stateWatcher) sawStep(step Step) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.states {
		if s.Step == step {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, backend Backend, opts Options) (*Controller, *stateWatcher) {
	t.Helper()
	watcher := &stateWatcher{}
	if opts.LeaseID == "" {
		opts.LeaseID = "lease-1"
	}
	if opts.ProfilePhone == "" {
		opts.ProfilePhone = "0700123456" // Airtel prefix
	}
	if opts.Poller == nil {
		opts.Poller = poller.New(backend, poller.Options{
			Interval:    10 * time.Millisecond,
			MaxDuration: time.Minute,
		})
	}
	if opts.Retrier == nil {
		opts.Retrier = retry.New(retry.Options{
			MaxAttempts: 3,
			Delay:       time.Millisecond,
			RetryIf:     api.IsRetryable,
		})
	}
	opts.OnChange = watcher.observe
	c := New(backend, opts)
	t.Cleanup(c.Close)
	return c, watcher
}

func TestHappyPath_AmountToSuccess(t *testing.T) {
	backend := newFakeBackend()
	pendingFirst := 0
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		pendingFirst++
		if pendingFirst == 1 {
			return api.TransactionStatus{TransactionID: transactionID, Status: api.StatusPending}, nil
		}
		return api.TransactionStatus{
			TransactionID: transactionID,
			Status:        api.StatusSuccess,
			Amount:        200000,
			StatusMessage: "Payment completed successfully",
		}, nil
	})

	staleCalls := 0
	var staleMu sync.Mutex
	c, watcher := newTestController(t, backend, Options{
		OnBalanceStale: func() {
			staleMu.Lock()
			defer staleMu.Unlock()
			staleCalls++
		},
	})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Open())
	assert.Equal(t, StepAmountSelection, c.State().Step)
	assert.Equal(t, []int64{10000, 112500, 225000, 337500, 450000}, c.SuggestedAmounts())

	require.NoError(t, c.ConfirmAmount(200000))
	state := c.State()
	assert.Equal(t, StepPinEntry, state.Step)
	assert.Equal(t, "256700123456", state.PhoneNumber)
	assert.Equal(t, money.ProviderAirtel, state.Provider)

	require.NoError(t, c.SubmitPIN(ctx))
	assert.True(t, watcher.sawStep(StepProcessing))

	require.Eventually(t, func() bool { return c.State().Step == StepSuccess }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "txn-1", c.State().TransactionID)
	assert.Empty(t, c.State().Err)

	staleMu.Lock()
	assert.Equal(t, 1, staleCalls, "success marks the balance stale exactly once")
	staleMu.Unlock()
}

func TestOpen_RequiresLoadedBalance(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{})
	assert.Error(t, c.Open())
	assert.Equal(t, StepIdle, c.State().Step)
}

func TestConfirmAmount_BelowMinimumStaysPut(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{})
	_, err := c.LoadBalance(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Open())

	err = c.ConfirmAmount(9999)
	require.Error(t, err)
	state := c.State()
	assert.Equal(t, StepAmountSelection, state.Step, "validation failure must not advance the step")
	assert.Contains(t, state.Err, "Minimum payment amount")

	// The same step can be retried with a valid amount.
	require.NoError(t, c.ConfirmAmount(10000))
	assert.Equal(t, StepPinEntry, c.State().Step)
}

func TestConfirmAmount_UnrecognizedProviderStaysPut(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{ProfilePhone: "0790123456"})
	_, err := c.LoadBalance(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Open())

	err = c.ConfirmAmount(20000)
	require.Error(t, err)
	assert.Equal(t, StepAmountSelection, c.State().Step)
	assert.NotEmpty(t, c.State().Err)
}

func TestConfirmAmount_WrongStep(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{})
	assert.ErrorIs(t, c.ConfirmAmount(20000), ErrWrongStep)
}

func TestSubmitPIN_InitiationRejectedStaysInPinEntry(t *testing.T) {
	backend := newFakeBackend()
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		return api.Initiation{}, &api.InvalidRequestError{Message: "Invalid payment data"}
	})
	c, _ := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))

	err = c.SubmitPIN(ctx)
	require.Error(t, err)
	state := c.State()
	assert.Equal(t, StepPinEntry, state.Step)
	assert.Equal(t, "Invalid payment data", state.Err)
	assert.Equal(t, 1, backend.initiations(), "rejected requests are not retried")

	// The rejection cleared the in-flight guard; the user can try again.
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		return api.Initiation{PaymentID: "pay-2", TransactionID: "txn-2", Amount: req.Amount}, nil
	})
	require.NoError(t, c.SubmitPIN(ctx))
}

func TestSubmitPIN_TransientErrorsRetried(t *testing.T) {
	backend := newFakeBackend()
	attempts := 0
	var mu sync.Mutex
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return api.Initiation{}, &api.RequestError{Message: "Unable to connect to server. Please check your connection."}
		}
		return api.Initiation{PaymentID: "pay-1", TransactionID: "txn-1", Amount: req.Amount}, nil
	})
	c, _ := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))

	require.NoError(t, c.SubmitPIN(ctx))
	assert.Equal(t, 3, backend.initiations())
	require.Eventually(t, func() bool { return c.State().Step == StepSuccess }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitPIN_SingleInFlightInitiate(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		<-release
		return api.Initiation{PaymentID: "pay-1", TransactionID: "txn-1", Amount: req.Amount}, nil
	})
	c, _ := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))

	done := make(chan error, 1)
	go func() { done <- c.SubmitPIN(ctx) }()

	require.Eventually(t, func() bool { return backend.initiations() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.SubmitPIN(ctx), ErrPaymentInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, backend.initiations())
}

func TestFailedSettlement_RetryReturnsToAmountSelection(t *testing.T) {
	backend := newFakeBackend()
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		return api.TransactionStatus{
			TransactionID: transactionID,
			Status:        api.StatusFailed,
			StatusMessage: "The customer rejected the payment request",
		}, nil
	})
	c, _ := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))

	require.Eventually(t, func() bool { return c.State().Step == StepFailed }, 2*time.Second, 5*time.Millisecond)
	state := c.State()
	assert.Equal(t, "The customer rejected the payment request", state.Err)
	assert.False(t, state.TimedOut)

	require.NoError(t, c.Retry())
	state = c.State()
	assert.Equal(t, StepAmountSelection, state.Step)
	assert.Zero(t, state.Amount, "retry preserves nothing but the loaded balance")
	assert.Empty(t, state.Err)

	_, ok := c.Balance()
	assert.True(t, ok, "balance survives a retry")
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{})
	assert.ErrorIs(t, c.Retry(), ErrWrongStep)
}

func TestTimeout_MarksFlowFailedDistinctly(t *testing.T) {
	backend := newFakeBackend()
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		return api.TransactionStatus{TransactionID: transactionID, Status: api.StatusPending}, nil
	})
	c, _ := newTestController(t, backend, Options{
		Poller: poller.New(backend, poller.Options{
			Interval:    10 * time.Millisecond,
			MaxDuration: 40 * time.Millisecond,
		}),
	})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))

	require.Eventually(t, func() bool { return c.State().Step == StepFailed }, 2*time.Second, 5*time.Millisecond)
	state := c.State()
	assert.True(t, state.TimedOut, `timeout must read as "we don't know", not "it failed"`)
	assert.NotEmpty(t, state.Err)
}

func TestTransientPollError_StaysProcessing(t *testing.T) {
	backend := newFakeBackend()
	calls := 0
	var mu sync.Mutex
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return api.TransactionStatus{}, &api.RequestError{Message: "connection reset"}
		}
		return api.TransactionStatus{TransactionID: transactionID, Status: api.StatusSuccess, Amount: 20000}, nil
	})
	c, watcher := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))

	require.Eventually(t, func() bool { return c.State().Step == StepSuccess }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, watcher.sawStep(StepFailed), "fetch blips must not fail the flow")
}

func TestClose_ResetsFromAnyStep(t *testing.T) {
	backend := newFakeBackend()
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		return api.TransactionStatus{TransactionID: transactionID, Status: api.StatusPending}, nil
	})
	c, _ := newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))
	require.Equal(t, StepProcessing, c.State().Step)

	c.Close()
	state := c.State()
	assert.Equal(t, StepIdle, state.Step)
	assert.Empty(t, state.TransactionID)

	// The torn-down session must not resurrect the flow.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StepIdle, c.State().Step)
}

func TestClose_DuringInFlightInitiateStaysClosed(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		<-release
		return api.Initiation{PaymentID: "pay-1", TransactionID: "txn-1", Amount: req.Amount}, nil
	})
	p := poller.New(backend, poller.Options{
		Interval:    10 * time.Millisecond,
		MaxDuration: time.Minute,
	})
	c, _ := newTestController(t, backend, Options{Poller: p})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))

	done := make(chan error, 1)
	go func() { done <- c.SubmitPIN(ctx) }()
	require.Eventually(t, func() bool { return backend.initiations() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Close while the initiate call is still hanging, then let it resolve.
	c.Close()
	close(release)
	require.NoError(t, <-done)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StepIdle, c.State().Step, "a closed flow must not resurrect when the stale initiate resolves")
	assert.Empty(t, c.State().TransactionID)
	assert.False(t, p.IsPolling(), "no poll session for a torn-down flow")
	assert.Zero(t, backend.statuses())
}

func TestIsRetrying_TracksWrappedInitiate(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	var seen []bool
	var c *Controller
	backend.setInitiate(func(req api.InitiationRequest) (api.Initiation, error) {
		mu.Lock()
		seen = append(seen, c.IsRetrying())
		n := len(seen)
		mu.Unlock()
		if n < 3 {
			return api.Initiation{}, &api.RequestError{Message: "connection reset"}
		}
		return api.Initiation{PaymentID: "pay-1", TransactionID: "txn-1", Amount: req.Amount}, nil
	})
	c, _ = newTestController(t, backend, Options{})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))

	mu.Lock()
	assert.Equal(t, []bool{false, true, true}, seen, "feedback describes the in-flight wrapped call")
	mu.Unlock()
	assert.False(t, c.IsRetrying())
}

func TestReceipt_OnlyAfterSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.receipt = api.Receipt{ReceiptNumber: "RCT-1", Amount: 20000, Currency: "UGX"}
	c, _ := newTestController(t, backend, Options{})

	_, err := c.Receipt(context.Background())
	assert.ErrorIs(t, err, ErrWrongStep)

	ctx := context.Background()
	_, err = c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))
	require.Eventually(t, func() bool { return c.State().Step == StepSuccess }, 2*time.Second, 5*time.Millisecond)

	receipt, err := c.Receipt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RCT-1", receipt.ReceiptNumber)
}

func TestLoadBalance_RetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.mu.Lock()
	backend.balanceErr = &api.RequestError{Message: "Unable to connect to server. Please check your connection."}
	backend.mu.Unlock()

	c, _ := newTestController(t, backend, Options{})
	_, err := c.LoadBalance(context.Background())
	require.Error(t, err)

	backend.mu.Lock()
	backend.balanceErr = nil
	backend.mu.Unlock()

	balance, err := c.LoadBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(450000), balance.OutstandingBalance)
}

func TestLoadHistory_EmptyIsFine(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend(), Options{})
	history, err := c.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, c.History())
}

func TestErrorsNeverEscapeCallbacks(t *testing.T) {
	backend := newFakeBackend()
	backend.setStatus(func(transactionID string) (api.TransactionStatus, error) {
		return api.TransactionStatus{}, errors.New("boom")
	})
	c, _ := newTestController(t, backend, Options{
		Poller: poller.New(backend, poller.Options{
			Interval:    10 * time.Millisecond,
			MaxDuration: 40 * time.Millisecond,
		}),
	})

	ctx := context.Background()
	_, err := c.LoadBalance(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.ConfirmAmount(20000))
	require.NoError(t, c.SubmitPIN(ctx))

	// Continuous fetch errors end in a timeout, not a crash.
	require.Eventually(t, func() bool { return c.State().Step == StepFailed }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.State().TimedOut)
}
