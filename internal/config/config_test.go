package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LEDGER_LISTEN_ADDR", "LEDGER_DATABASE_URL", "LEDGER_KAFKA_BROKERS",
		"LEDGER_KAFKA_TOPIC", "LEDGER_RECONCILE_EPSILON", "LEDGER_CURRENCY_FILE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "ledger_events", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.True(t, cfg.ReconcileEpsilon.IsZero())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_LISTEN_ADDR", ":9090")
	t.Setenv("LEDGER_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("LEDGER_RECONCILE_EPSILON", "0.05")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.ReconcileEpsilon.Equal(decimal.RequireFromString("0.05")))
}

func TestLoadRejectsBadEpsilon(t *testing.T) {
	t.Setenv("LEDGER_RECONCILE_EPSILON", "not-a-number")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LEDGER_RECONCILE_EPSILON", "-0.01")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadCurrencies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("USD: 2\nJPY: 0\nBTC: 8\n"), 0o644))

	c, err := LoadCurrencies(path)
	require.NoError(t, err)
	assert.True(t, c.Recognized("BTC"))
	assert.False(t, c.Recognized("EUR"))
	assert.Equal(t, int32(8), c.Precision("BTC"))
	assert.Equal(t, int32(0), c.Precision("JPY"))
}

func TestLoadCurrenciesRejectsNegativePrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("USD: -1\n"), 0o644))

	_, err := LoadCurrencies(path)
	assert.Error(t, err)
}

func TestPrecisionDefaultsToTwo(t *testing.T) {
	assert.Equal(t, int32(2), DefaultCurrencies().Precision("CHF"))
}
