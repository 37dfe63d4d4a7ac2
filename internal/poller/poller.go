// Package poller tracks one in-flight mobile money transaction by polling
// the backend status endpoint until it settles, times out, or is cancelled.
//
// The session rules are strict: at most one active session per Poller, each
// terminal callback fires at most once per Start, and a session that has been
// torn down stays silent no matter what late fetches resolve afterwards.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/config"
)

// ErrTimeout is reported through the error callback when a session exceeds
// its maximum duration without reaching a terminal status. It means "we don't
// know", which is distinct from the backend saying Failed.
var ErrTimeout = errors.New("Payment processing timed out. Please check your payment status manually.")

// StatusFetcher is the single backend operation the poller depends on.
type StatusFetcher interface {
	GetStatus(ctx context.Context, transactionID string) (api.TransactionStatus, error)
}

// Callbacks are the owner's hooks into the session lifecycle. The poller
// holds them in a mutable slot and reads the slot at invocation time, so the
// owner may swap them between ticks and the next tick sees the new ones.
type Callbacks struct {
	// OnSuccess fires once when the transaction settles successfully.
	OnSuccess func(status api.TransactionStatus)
	// OnFailed fires once when the backend reports the transaction failed.
	OnFailed func(status api.TransactionStatus)
	// OnError fires on non-terminal fetch errors (polling continues) and
	// once with ErrTimeout when the session times out (polling stops).
	OnError func(err error)
}

// Options override the configured polling defaults.
type Options struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// Poller owns at most one poll session at a time. Safe for concurrent use.
type Poller struct {
	fetcher     StatusFetcher
	interval    time.Duration
	maxDuration time.Duration

	mu            sync.Mutex
	callbacks     Callbacks
	active        bool
	generation    uint64
	transactionID string
	cancel        context.CancelFunc
	latest        *api.TransactionStatus
	lastErr       error
}

// New creates a Poller using the given fetcher. Zero option fields fall back
// to the configured defaults.
func New(fetcher StatusFetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = config.PollInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = config.MaxPollDuration
	}
	return &Poller{
		fetcher:     fetcher,
		interval:    opts.Interval,
		maxDuration: opts.MaxDuration,
	}
}

// SetCallbacks replaces the callback slot. Takes effect from the next
// invocation, including ticks already scheduled.
func (p *Poller) SetCallbacks(cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = cb
}

// Start begins a poll session for the transaction. Starting again for the
// same transaction while active is a no-op; the guard is the poller's own
// active flag, never caller-side state. Starting for a different transaction
// tears the prior session down first.
func (p *Poller) Start(transactionID string) {
	if transactionID == "" {
		return
	}

	p.mu.Lock()
	if p.active {
		if p.transactionID == transactionID {
			p.mu.Unlock()
			return
		}
		p.teardownLocked()
	}

	p.active = true
	p.generation++
	gen := p.generation
	p.transactionID = transactionID
	p.latest = nil
	p.lastErr = nil

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	slog.Info("poll_session_started",
		"txn_id", transactionID,
		"interval", p.interval,
		"max_duration", p.maxDuration,
	)
	go p.run(ctx, gen, transactionID)
}

// Stop tears down any active session without invoking callbacks. Safe to call
// at any time, including with a fetch in flight; the fetch's resolution will
// be a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	slog.Info("poll_session_stopped", "txn_id", p.transactionID)
	p.teardownLocked()
	p.lastErr = nil
}

// IsPolling reports whether a session is active.
func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Status returns the most recently observed transaction status, if any.
func (p *Poller) Status() (api.TransactionStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return api.TransactionStatus{}, false
	}
	return *p.latest, true
}

// Err returns the most recent fetch or timeout error, nil while healthy.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Refetch performs a one-shot status check outside any poll session. It does
// not start, stop, or otherwise touch session state.
func (p *Poller) Refetch(ctx context.Context, transactionID string) (api.TransactionStatus, error) {
	if transactionID == "" {
		return api.TransactionStatus{}, errors.New("no transaction ID provided")
	}
	return p.fetcher.GetStatus(ctx, transactionID)
}

// run is the session loop. The ticker is armed as the first fetch is issued,
// not after it completes, so on a slow network the first two fetches can
// overlap in flight; the generation check makes whichever terminal result
// lands first the only one that commits.
func (p *Poller) run(ctx context.Context, gen uint64, transactionID string) {
	startedAt := time.Now()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	go p.fetch(ctx, gen, transactionID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if elapsed := time.Since(startedAt); elapsed >= p.maxDuration {
				cb, committed := p.commitTimeout(gen)
				if committed {
					slog.Warn("poll_session_timed_out",
						"txn_id", transactionID,
						"elapsed", elapsed,
					)
					if cb.OnError != nil {
						cb.OnError(ErrTimeout)
					}
				}
				return
			}
			// Synchronous fetch: ticks are never concurrent with each other,
			// and a slow fetch simply swallows the ticks it overruns.
			p.fetch(ctx, gen, transactionID)
		}
	}
}

// fetch performs one status check and applies the result to the session.
// Every commit re-checks the session generation after the call returns, not
// only before issuing it: a session torn down mid-flight absorbs the result
// silently.
func (p *Poller) fetch(ctx context.Context, gen uint64, transactionID string) {
	status, err := p.fetcher.GetStatus(ctx, transactionID)

	if err != nil {
		p.mu.Lock()
		if !p.currentLocked(gen) {
			p.mu.Unlock()
			return
		}
		// Non-fatal: a transient blip must not abort a two-minute tracking
		// window. Surface it and keep polling; timeout is the only hard stop.
		p.lastErr = err
		cb := p.callbacks
		p.mu.Unlock()

		slog.Warn("poll_fetch_failed", "txn_id", transactionID, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return
	}

	p.mu.Lock()
	if !p.currentLocked(gen) {
		p.mu.Unlock()
		return
	}
	p.latest = &status
	p.lastErr = nil

	if !status.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}

	// Terminal transition: tear down before invoking anything so no further
	// tick or in-flight fetch can commit a second outcome.
	p.teardownLocked()
	cb := p.callbacks
	p.mu.Unlock()

	slog.Info("poll_session_terminal",
		"txn_id", transactionID,
		"status", status.Status,
	)
	switch status.Status {
	case api.StatusSuccess:
		if cb.OnSuccess != nil {
			cb.OnSuccess(status)
		}
	case api.StatusFailed:
		if cb.OnFailed != nil {
			cb.OnFailed(status)
		}
	}
}

// commitTimeout tears the session down if it is still the current one and
// returns the callbacks to notify. At most one caller wins.
func (p *Poller) commitTimeout(gen uint64) (Callbacks, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.currentLocked(gen) {
		return Callbacks{}, false
	}
	p.teardownLocked()
	p.lastErr = ErrTimeout
	return p.callbacks, true
}

func (p *Poller) currentLocked(gen uint64) bool {
	return p.active && p.generation == gen
}

// teardownLocked marks the session inactive and cancels its context, which
// stops the run loop and aborts any in-flight fetch. Callers hold p.mu.
func (p *Poller) teardownLocked() {
	p.active = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
