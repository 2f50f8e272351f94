package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for tradedesk.
type Config struct {
	Port string

	// Database
	DBPath string

	// Binance
	BinanceTestnet bool
	// Environment fallback credentials, used only when a user has no
	// credential row of their own (resolved explicitly, never implicitly).
	BinanceAPIKey    string
	BinanceAPISecret string

	// Auth
	JWTSecret string
	// Shared token accepted on the signal webhook endpoint; empty disables
	// token auth (JWT still works).
	SignalToken string

	// Logging
	LogPretty bool
	LogLevel  string

	// Notification webhook (best effort; empty disables)
	NotifyWebhookURL string

	// Shared public stream
	DefaultKlineInterval string
	SnapshotCandleLimit  int

	// Reconnect policy (shared stream and per-user streams use the same
	// shape with independent counters)
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMaxAttempt int

	// Private stream keepalive
	ListenKeyKeepalive time.Duration

	// Credential health
	QuarantineThreshold int

	Trading Trading
}

// Trading holds order sizing and validation parameters, loadable from
// trading.yaml with env defaults.
type Trading struct {
	SizePct        float64       `yaml:"size_pct"`        // fraction of quote balance, e.g. 0.25
	SlippageBuffer float64       `yaml:"slippage_buffer"` // fraction, e.g. 0.01
	SignalMaxAge   time.Duration `yaml:"signal_max_age"`
	DustThreshold  float64       `yaml:"dust_threshold_usd"`
	QuoteAsset     string        `yaml:"quote_asset"`
}

// Load reads environment variables (optionally via .env) into Config, then
// overlays trading parameters from TRADING_CONFIG_PATH if the file exists.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/tradedesk.db"),
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		SignalToken:          os.Getenv("SIGNAL_WEBHOOK_TOKEN"),
		LogPretty:            getEnv("LOG_PRETTY", "false") == "true",
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		DefaultKlineInterval: getEnv("DEFAULT_KLINE_INTERVAL", "1m"),
		SnapshotCandleLimit:  getEnvInt("SNAPSHOT_CANDLE_LIMIT", 200),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectMaxAttempt:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ListenKeyKeepalive:   getEnvDuration("LISTEN_KEY_KEEPALIVE", 30*time.Minute),
		QuarantineThreshold:  getEnvInt("QUARANTINE_THRESHOLD", 5),
		Trading: Trading{
			SizePct:        getEnvFloat("ORDER_SIZE_PCT", 0.25),
			SlippageBuffer: getEnvFloat("SLIPPAGE_BUFFER", 0.01),
			SignalMaxAge:   getEnvDuration("SIGNAL_MAX_AGE", 5*time.Minute),
			DustThreshold:  getEnvFloat("DUST_THRESHOLD_USD", 1.0),
			QuoteAsset:     getEnv("QUOTE_ASSET", "USDT"),
		},
	}

	if path := getEnv("TRADING_CONFIG_PATH", "./trading.yaml"); path != "" {
		if err := cfg.loadTradingYAML(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadTradingYAML overlays trading parameters from a YAML file. A missing
// file is not an error; env defaults stay in effect.
func (c *Config) loadTradingYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	t := c.Trading
	if err := yaml.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.SizePct > 0 {
		c.Trading.SizePct = t.SizePct
	}
	if t.SlippageBuffer > 0 {
		c.Trading.SlippageBuffer = t.SlippageBuffer
	}
	if t.SignalMaxAge > 0 {
		c.Trading.SignalMaxAge = t.SignalMaxAge
	}
	if t.DustThreshold > 0 {
		c.Trading.DustThreshold = t.DustThreshold
	}
	if t.QuoteAsset != "" {
		c.Trading.QuoteAsset = strings.ToUpper(t.QuoteAsset)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
