package main

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/dmuwanga/tenantpay/internal/api"
	"github.com/dmuwanga/tenantpay/internal/config"
	"github.com/dmuwanga/tenantpay/internal/simulator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no_env_file", "error", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = config.ServerPort
	} else if port[0] != ':' {
		port = ":" + port
	}

	settleAfter := 1
	if v := os.Getenv("SETTLE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settleAfter = n
		}
	}

	sim := simulator.New(simulator.Options{
		SettleAfter: settleAfter,
		FailAmount:  envInt64("FAIL_AMOUNT"),
		Token:       os.Getenv("API_TOKEN"),
	})
	sim.AddLease(api.Balance{
		LeaseID:            envOr("LEASE_ID", "74f63f60-4c8b-404a-8a37-45f03219138e"),
		MonthlyRent:        450000,
		PaidAmount:         0,
		OutstandingBalance: 450000,
		MinimumPayment:     config.MinimumPayment,
		DueDate:            "2026-09-01",
		IsOverdue:          false,
	})

	slog.Info("simulator_starting", "port", port, "settle_after", settleAfter)
	if err := http.ListenAndServe(port, sim.Handler()); err != nil {
		slog.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
