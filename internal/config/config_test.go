package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LETTERSHOP_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Service.HTTPPort)
	assert.Equal(t, "http://localhost:8000", cfg.Service.BaseURL)
	assert.Equal(t, uint64(10), cfg.Shop.Price)
	assert.Equal(t, time.Hour, cfg.Shop.OfferTTL)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Driver)
	assert.Equal(t, 6, cfg.Ledger.CurrencyScale)
	assert.Equal(t, JournalFile, cfg.Journal.Driver)
	assert.Equal(t, 1000*time.Second, cfg.Buyer.Window)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lettershop.json")
	raw := `{
		"service": {"httpPort": 9000},
		"shop": {"price": 25, "alphabet": "XYZ"},
		"journal": {"driver": "memory"},
		"log": {"level": "debug", "development": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	t.Setenv("LETTERSHOP_CONFIG", path)
	t.Setenv("LETTERSHOP_PRICE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Service.HTTPPort)
	assert.Equal(t, "http://localhost:9000", cfg.Service.BaseURL)
	assert.Equal(t, uint64(30), cfg.Shop.Price, "env wins over file")
	assert.Equal(t, "XYZ", cfg.Shop.Alphabet)
	assert.Equal(t, JournalMemory, cfg.Journal.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadRejectsIncompleteDrivers(t *testing.T) {
	t.Setenv("LETTERSHOP_CONFIG", "")
	t.Setenv("LEDGER_DRIVER", LedgerEth)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LEDGER_DRIVER", "carrier-pigeon")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("LEDGER_DRIVER", LedgerMemory)
	t.Setenv("JOURNAL_DRIVER", JournalPostgres)
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("JOURNAL_POSTGRES_DSN", "postgres://localhost/lettershop")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoadRejectsNonPositiveSettings(t *testing.T) {
	for _, env := range []string{
		"LETTERSHOP_SWEEP_INTERVAL_SECONDS",
		"LETTERSHOP_SHUTDOWN_TIMEOUT_SECONDS",
		"LETTERSHOP_OFFER_TTL_SECONDS",
		"LETTERSHOP_SETTLED_CACHE_SIZE",
		"CHAIN_POLL_INTERVAL_SECONDS",
		"ADMIN_HMAC_CLOCK_SKEW_SECONDS",
		"BUYER_WINDOW_SECONDS",
	} {
		for _, v := range []string{"0", "-5"} {
			t.Run(env+"="+v, func(t *testing.T) {
				t.Setenv("LETTERSHOP_CONFIG", "")
				t.Setenv(env, v)
				_, err := Load()
				assert.Error(t, err)
			})
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("LETTERSHOP_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	_, err := Load()
	assert.Error(t, err)
}
