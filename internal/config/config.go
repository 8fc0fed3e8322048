// Package config loads shop settings from an optional JSON file and the
// environment. Environment variables win over the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileConfig models lettershop.json. Durations are whole seconds.
type FileConfig struct {
	Service struct {
		HTTPPort            int    `json:"httpPort"`
		BaseURL             string `json:"baseUrl"`
		ShutdownTimeoutSecs int    `json:"shutdownTimeoutSeconds"`
		SweepIntervalSecs   int    `json:"sweepIntervalSeconds"`
	} `json:"service"`
	Shop struct {
		Price            uint64 `json:"price"`
		Alphabet         string `json:"alphabet"`
		OfferTTLSecs     int    `json:"offerTtlSeconds"`
		SettledCacheSize int    `json:"settledCacheSize"`
	} `json:"shop"`
	Ledger struct {
		Driver          string `json:"driver"`
		Prefix          string `json:"prefix"`
		CurrencyCode    string `json:"currencyCode"`
		CurrencyScale   int    `json:"currencyScale"`
		RPCURL          string `json:"rpcUrl"`
		HTLCContract    string `json:"htlcContract"`
		PollIntervalSec int    `json:"pollIntervalSeconds"`
	} `json:"ledger"`
	Journal struct {
		Driver string `json:"driver"`
		Path   string `json:"path"`
	} `json:"journal"`
	Admin struct {
		ClockSkewSecs int `json:"clockSkewSeconds"`
	} `json:"admin"`
	Buyer struct {
		WindowSecs int    `json:"windowSeconds"`
		ShopURL    string `json:"shopUrl"`
	} `json:"buyer"`
	Log struct {
		Level       string `json:"level"`
		Development bool   `json:"development"`
	} `json:"log"`
}

// AppConfig is the resolved configuration shared by all subcommands.
type AppConfig struct {
	Service ServiceConfig
	Shop    ShopConfig
	Ledger  LedgerConfig
	Journal JournalConfig
	Admin   AdminConfig
	Buyer   BuyerConfig
	Log     LogConfig
}

type ServiceConfig struct {
	HTTPPort        int
	BaseURL         string
	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
}

type ShopConfig struct {
	// Price is in ledger base units.
	Price            uint64
	Alphabet         string
	OfferTTL         time.Duration
	SettledCacheSize int
}

const (
	LedgerMemory = "memory"
	LedgerEth    = "eth"

	JournalMemory   = "memory"
	JournalFile     = "file"
	JournalPostgres = "postgres"
)

type LedgerConfig struct {
	Driver        string
	Prefix        string
	CurrencyCode  string
	CurrencyScale int
	RPCURL        string
	PrivateKey    string
	HTLCContract  string
	PollInterval  time.Duration
}

type JournalConfig struct {
	Driver      string
	Path        string
	PostgresDSN string
}

type AdminConfig struct {
	HMACSecret    string
	HMACClockSkew time.Duration
}

type BuyerConfig struct {
	Window  time.Duration
	ShopURL string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Load reads LETTERSHOP_CONFIG when set, then applies env overrides.
func Load() (*AppConfig, error) {
	var file FileConfig
	if path := envOr("LETTERSHOP_CONFIG", ""); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		file = *loaded
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        envOrInt("LETTERSHOP_HTTP_PORT", orInt(file.Service.HTTPPort, 8000)),
			BaseURL:         envOr("LETTERSHOP_BASE_URL", file.Service.BaseURL),
			ShutdownTimeout: seconds(envOrInt("LETTERSHOP_SHUTDOWN_TIMEOUT_SECONDS", orInt(file.Service.ShutdownTimeoutSecs, 10))),
			SweepInterval:   seconds(envOrInt("LETTERSHOP_SWEEP_INTERVAL_SECONDS", orInt(file.Service.SweepIntervalSecs, 60))),
		},
		Shop: ShopConfig{
			Price:            envOrUint("LETTERSHOP_PRICE", orUint(file.Shop.Price, 10)),
			Alphabet:         envOr("LETTERSHOP_ALPHABET", file.Shop.Alphabet),
			OfferTTL:         seconds(envOrInt("LETTERSHOP_OFFER_TTL_SECONDS", orInt(file.Shop.OfferTTLSecs, 3600))),
			SettledCacheSize: envOrInt("LETTERSHOP_SETTLED_CACHE_SIZE", orInt(file.Shop.SettledCacheSize, 4096)),
		},
		Ledger: LedgerConfig{
			Driver:        envOr("LEDGER_DRIVER", orStr(file.Ledger.Driver, LedgerMemory)),
			Prefix:        envOr("LEDGER_PREFIX", orStr(file.Ledger.Prefix, "test.shop.")),
			CurrencyCode:  envOr("LEDGER_CURRENCY_CODE", orStr(file.Ledger.CurrencyCode, "XRP")),
			CurrencyScale: envOrInt("LEDGER_CURRENCY_SCALE", orInt(file.Ledger.CurrencyScale, 6)),
			RPCURL:        envOr("CHAIN_RPC_URL", file.Ledger.RPCURL),
			PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
			HTLCContract:  envOr("HTLC_CONTRACT", file.Ledger.HTLCContract),
			PollInterval:  seconds(envOrInt("CHAIN_POLL_INTERVAL_SECONDS", orInt(file.Ledger.PollIntervalSec, 2))),
		},
		Journal: JournalConfig{
			Driver:      envOr("JOURNAL_DRIVER", orStr(file.Journal.Driver, JournalFile)),
			Path:        envOr("JOURNAL_PATH", orStr(file.Journal.Path, filepath.Join(os.TempDir(), "lettershop-journal.json"))),
			PostgresDSN: envOr("JOURNAL_POSTGRES_DSN", ""),
		},
		Admin: AdminConfig{
			HMACSecret:    envOr("ADMIN_HMAC_SECRET", ""),
			HMACClockSkew: seconds(envOrInt("ADMIN_HMAC_CLOCK_SKEW_SECONDS", orInt(file.Admin.ClockSkewSecs, 60))),
		},
		Buyer: BuyerConfig{
			Window:  seconds(envOrInt("BUYER_WINDOW_SECONDS", orInt(file.Buyer.WindowSecs, 1000))),
			ShopURL: envOr("BUYER_SHOP_URL", orStr(file.Buyer.ShopURL, "http://localhost:8000")),
		},
		Log: LogConfig{
			Level:       envOr("LOG_LEVEL", orStr(file.Log.Level, "info")),
			Development: envOrBool("LOG_DEVELOPMENT", file.Log.Development),
		},
	}
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Service.HTTPPort)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations Load cannot default away.
func (c *AppConfig) Validate() error {
	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerEth:
		if c.Ledger.RPCURL == "" || c.Ledger.HTLCContract == "" || c.Ledger.PrivateKey == "" {
			return errors.New("eth ledger requires CHAIN_RPC_URL, HTLC_CONTRACT and CHAIN_PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	switch c.Journal.Driver {
	case JournalMemory, JournalFile:
	case JournalPostgres:
		if c.Journal.PostgresDSN == "" {
			return errors.New("postgres journal requires JOURNAL_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown journal driver %q", c.Journal.Driver)
	}
	if c.Shop.Price == 0 {
		return errors.New("shop price must be positive")
	}
	if c.Ledger.CurrencyScale < 0 {
		return errors.New("currency scale must not be negative")
	}
	if c.Shop.SettledCacheSize <= 0 {
		return errors.New("settled cache size must be positive")
	}
	for name, d := range map[string]time.Duration{
		"sweep interval":   c.Service.SweepInterval,
		"shutdown timeout": c.Service.ShutdownTimeout,
		"offer ttl":        c.Shop.OfferTTL,
		"poll interval":    c.Ledger.PollInterval,
		"hmac clock skew":  c.Admin.HMACClockSkew,
		"buyer window":     c.Buyer.Window,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orUint(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

func orStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrUint(key string, fallback uint64) uint64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
