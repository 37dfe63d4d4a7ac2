// tenantpay is a demo driver for the payment core: it loads a lease balance,
// prints suggested amounts, initiates a payment, and tracks it to a terminal
// state through the status poller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/flow"
	"github.com/dmuwanga/tenantpay/internal/money"
)

// envTokens reads the bearer token from the environment, standing in for the
// secure store a real app would use.
type envTokens struct{}

func (envTokens) Token(ctx context.Context) (string, error) {
	return os.Getenv("API_TOKEN"), nil
}

func (envTokens) InvalidateSession() {
	slog.Warn("session_invalidated")
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no_env_file", "error", err)
	}

	baseURL := envOr("API_BASE_URL", "http://localhost:4000")
	leaseID := envOr("LEASE_ID", "74f63f60-4c8b-404a-8a37-45f03219138e")
	phone := envOr("PROFILE_PHONE", "0700123456")

	client := api.New(baseURL, envTokens{})

	done := make(chan flow.State, 1)
	controller := flow.New(client, flow.Options{
		LeaseID:      leaseID,
		ProfilePhone: phone,
		OnChange: func(s flow.State) {
			slog.Info("flow_state", "step", s.Step, "error", s.Err)
			if s.Step == flow.StepSuccess || s.Step == flow.StepFailed {
				done <- s
			}
		},
		OnBalanceStale: func() {
			slog.Info("balance_stale")
		},
	})

	ctx := context.Background()

	balance, err := controller.LoadBalance(ctx)
	if err != nil {
		slog.Error("balance_load_failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Outstanding balance: %s (due %s)\n",
		money.FormatUGX(balance.OutstandingBalance), balance.DueDate)

	history, err := controller.LoadHistory(ctx)
	if err != nil {
		slog.Error("history_load_failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Payment history: %d records\n", len(history))

	suggestions := controller.SuggestedAmounts()
	fmt.Println("Suggested amounts:")
	for _, amount := range suggestions {
		fmt.Printf("  %s\n", money.FormatUGX(amount))
	}
	if len(suggestions) == 0 {
		fmt.Println("Nothing outstanding, all paid up.")
		return
	}

	amount := suggestions[0]
	if v := os.Getenv("PAY_AMOUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			amount = n
		}
	}

	if err := controller.Open(); err != nil {
		slog.Error("flow_open_failed", "error", err)
		os.Exit(1)
	}
	if err := controller.ConfirmAmount(amount); err != nil {
		slog.Error("amount_rejected", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Paying %s from %s (%s)\n",
		money.FormatUGX(amount),
		money.FormatPhone(controller.State().PhoneNumber),
		controller.State().Provider.DisplayName(),
	)

	if err := controller.SubmitPIN(ctx); err != nil {
		slog.Error("initiation_failed", "error", err)
		os.Exit(1)
	}

	final := <-done
	switch final.Step {
	case flow.StepSuccess:
		fmt.Println("Payment successful.")
		if receipt, err := controller.Receipt(ctx); err == nil {
			fmt.Printf("Receipt %s: %s paid on %s\n",
				receipt.ReceiptNumber, money.FormatUGX(receipt.Amount), receipt.PaidDate)
		}
	case flow.StepFailed:
		if final.TimedOut {
			fmt.Printf("Payment status unknown: %s\n", final.Err)
		} else {
			fmt.Printf("Payment failed: %s\n", final.Err)
		}
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
