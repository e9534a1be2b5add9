package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the server needs at startup, read from the
// environment (optionally seeded from a .env file).
type Config struct {
	ListenAddr       string
	DatabaseURL      string
	KafkaBrokers     []string
	KafkaTopic       string
	ReconcileEpsilon decimal.Decimal
	CurrencyFile     string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; missing files are not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:       getenv("LEDGER_LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("LEDGER_DATABASE_URL"),
		KafkaTopic:       getenv("LEDGER_KAFKA_TOPIC", "ledger_events"),
		CurrencyFile:     os.Getenv("LEDGER_CURRENCY_FILE"),
		ReconcileEpsilon: decimal.Zero,
	}

	if brokers := os.Getenv("LEDGER_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if raw := os.Getenv("LEDGER_RECONCILE_EPSILON"); raw != "" {
		eps, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse LEDGER_RECONCILE_EPSILON: %w", err)
		}
		if eps.IsNegative() {
			return Config{}, fmt.Errorf("LEDGER_RECONCILE_EPSILON must not be negative")
		}
		cfg.ReconcileEpsilon = eps
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
