// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables
// (and an optional .env file). Every setting has a sane default so the
// service can start in mock-data mode with nothing but `go run`.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AccountConfig holds the connection details for a single broker account.
// One BrokerConnectionPool shard set is created per account.
type AccountConfig struct {
	AccountID   string // Internal identifier used in logs and subscription records
	APIKey      string
	AccessToken string
	WSBaseURL   string // Kite ticker websocket base URL
}

// Config holds application configuration.
//
// Configuration is loaded once at startup from environment variables and
// never mutated afterwards; components receive the values they need at
// construction time.
type Config struct {
	DataDir  string // Base directory for SQLite databases (always absolute)
	LogLevel string // Log level (debug, info, warn, error)
	Port     int    // Health/metrics HTTP server port

	Accounts []AccountConfig // Broker accounts to maintain ticker sessions for

	MaxInstrumentsPerConnection int // Shard size before a new websocket connection is opened (broker limit)

	TickBatchWindowMS int // Flush a tick batch after this many milliseconds even if not full
	TickBatchMaxSize  int // Flush a tick batch immediately once it reaches this many ticks

	GreeksMaxUnderlyingAgeMS int // Reject Greeks enrichment if the underlying quote is older than this

	MockDataEnabled    bool               // Serve synthetic ticks when the market is closed or brokers are unreachable
	MockStateMaxSize   int                // Max number of instruments tracked by the mock-tick state cache (LRU)
	MockDataSeedPrices map[string]float64 // Underlying trading symbol -> opening reference price for the synthetic feed

	ReloadDebounceMS    int // Wait this long after a trigger() before running a reload
	ReloadMaxDebounceMS int // Ceiling on how far repeated triggers can re-extend the debounce wait
	ReloadMinGapMS      int // Minimum time between the start of two reload runs

	LeaseTimeoutSeconds           int // SessionOrchestrator.Lease acquisition deadline
	BrokerSubscribeTimeoutSeconds int // Per-call deadline for broker subscribe/unsubscribe wire writes

	RedisAddr                    string
	RedisPassword                string
	RedisDB                      int
	RedisPoolSize                int
	PublishChannelPrefix         string // Channels are "ticker:<prefix>:underlying", ":options", ":events"
	RedisCircuitFailureThreshold int    // Consecutive publish failures before the circuit opens
	RedisCircuitRecoverySeconds  int    // Time the circuit stays OPEN before probing HALF_OPEN

	OrderExecutorMaxAttempts      int // Max delivery attempts before a task moves to the dead-letter state
	OrderExecutorPollIntervalMS   int // How often the executor polls the SQLite queue for due tasks
	OrderExecutorMaxTaskCap       int // Max retained tasks (completed tasks evicted LRU beyond this; DLQ/pending/running never evicted)
	OrderIdempotencyWindowSeconds int // Window in which a duplicate idempotency key returns the existing task id instead of enqueuing

	HistoricalBackfillDays  int // Trading days of underlying history to bootstrap on startup
	HistoricalBackfillBatch int // Bars fetched per broker history API call

	S3ArchiveEnabled bool // Archive historical bars to S3/R2 after bootstrap
	S3Bucket         string
	S3Region         string

	DevMode bool
}

// Load builds a Config from environment variables, applying defaults for
// everything not explicitly set. dataDirOverride, if given, takes priority
// over the MARKETSTREAM_DATA_DIR environment variable.
//
// dataDirOverride - optional CLI-supplied data directory, highest priority
// Returns *Config - fully populated, validated configuration
func Load(dataDirOverride ...string) (*Config, error) {
	// Load .env file if it exists.
	// godotenv.Load() returns an error if .env doesn't exist, which is fine.
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("MARKETSTREAM_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8001),

		Accounts: loadAccounts(),

		MaxInstrumentsPerConnection: getEnvAsInt("MAX_INSTRUMENTS_PER_CONNECTION", 1000),

		TickBatchWindowMS: getEnvAsInt("TICK_BATCH_WINDOW_MS", 100),
		TickBatchMaxSize:  getEnvAsInt("TICK_BATCH_MAX_SIZE", 1000),

		GreeksMaxUnderlyingAgeMS: getEnvAsInt("GREEKS_MAX_UNDERLYING_AGE_MS", 2000),

		MockDataEnabled:    getEnvAsBool("MOCK_DATA_ENABLED", true),
		MockStateMaxSize:   getEnvAsInt("MOCK_STATE_MAX_SIZE", 10000),
		MockDataSeedPrices: loadSeedPrices(),

		ReloadDebounceMS:    getEnvAsInt("RELOAD_DEBOUNCE_MS", 1000),
		ReloadMaxDebounceMS: getEnvAsInt("RELOAD_MAX_DEBOUNCE_MS", 10000),
		ReloadMinGapMS:      getEnvAsInt("RELOAD_MIN_GAP_MS", 5000),

		LeaseTimeoutSeconds:           getEnvAsInt("LEASE_TIMEOUT_SECONDS", 30),
		BrokerSubscribeTimeoutSeconds: getEnvAsInt("BROKER_SUBSCRIBE_TIMEOUT_SECONDS", 10),

		RedisAddr:                    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:                getEnv("REDIS_PASSWORD", ""),
		RedisDB:                      getEnvAsInt("REDIS_DB", 0),
		RedisPoolSize:                getEnvAsInt("REDIS_POOL_SIZE", 20),
		PublishChannelPrefix:         getEnv("PUBLISH_CHANNEL_PREFIX", "marketstream"),
		RedisCircuitFailureThreshold: getEnvAsInt("REDIS_CIRCUIT_FAILURE_THRESHOLD", 5),
		RedisCircuitRecoverySeconds:  getEnvAsInt("REDIS_CIRCUIT_RECOVERY_SECONDS", 30),

		OrderExecutorMaxAttempts:      getEnvAsInt("ORDER_EXECUTOR_MAX_ATTEMPTS", 5),
		OrderExecutorPollIntervalMS:   getEnvAsInt("ORDER_EXECUTOR_POLL_INTERVAL_MS", 500),
		OrderExecutorMaxTaskCap:       getEnvAsInt("ORDER_EXECUTOR_MAX_TASK_CAP", 10000),
		OrderIdempotencyWindowSeconds: getEnvAsInt("ORDER_IDEMPOTENCY_WINDOW_SECONDS", 300),

		HistoricalBackfillDays:  getEnvAsInt("HISTORICAL_BACKFILL_DAYS", 5),
		HistoricalBackfillBatch: getEnvAsInt("HISTORICAL_BACKFILL_BATCH", 2000),

		S3ArchiveEnabled: getEnvAsBool("S3_ARCHIVE_ENABLED", false),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3Region:         getEnv("S3_REGION", "auto"),

		DevMode: getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAccounts parses MARKETSTREAM_ACCOUNTS, a comma-separated list of
// account IDs, then reads <ID>_API_KEY / <ID>_ACCESS_TOKEN / <ID>_WS_URL
// for each one. Falls back to a single "default" account read from the
// unprefixed KITE_API_KEY/KITE_ACCESS_TOKEN/KITE_WS_URL variables so a
// single-account deployment needs no prefixing at all.
func loadAccounts() []AccountConfig {
	raw := getEnv("MARKETSTREAM_ACCOUNTS", "")
	if raw == "" {
		return []AccountConfig{{
			AccountID:   "default",
			APIKey:      getEnv("KITE_API_KEY", ""),
			AccessToken: getEnv("KITE_ACCESS_TOKEN", ""),
			WSBaseURL:   getEnv("KITE_WS_URL", "wss://ws.kite.trade"),
		}}
	}

	ids := strings.Split(raw, ",")
	accounts := make([]AccountConfig, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := strings.ToUpper(id)
		accounts = append(accounts, AccountConfig{
			AccountID:   id,
			APIKey:      getEnv(prefix+"_API_KEY", ""),
			AccessToken: getEnv(prefix+"_ACCESS_TOKEN", ""),
			WSBaseURL:   getEnv(prefix+"_WS_URL", "wss://ws.kite.trade"),
		})
	}
	return accounts
}

// loadSeedPrices parses MOCK_DATA_SEED_PRICES, a comma-separated list of
// SYMBOL:PRICE pairs (e.g. "NIFTY:22000,BANKNIFTY:48000") used as the
// synthetic feed's opening reference price per underlying. Falls back to a
// small built-in set covering the usual NSE index underlyings so mock mode
// works out of the box with no configuration at all.
func loadSeedPrices() map[string]float64 {
	defaults := map[string]float64{
		"NIFTY":     22000,
		"BANKNIFTY": 48000,
		"FINNIFTY":  21000,
		"SENSEX":    73000,
	}

	raw := getEnv("MOCK_DATA_SEED_PRICES", "")
	if raw == "" {
		return defaults
	}

	out := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		symbol := strings.TrimSpace(parts[0])
		price, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || symbol == "" {
			continue
		}
		out[symbol] = price
	}
	return out
}

// Validate checks if required configuration is present.
//
// Credentials are optional: with MockDataEnabled and no accounts configured,
// the service runs entirely on synthetic ticks, which is useful for local
// development and for keeping downstream consumers warm outside market hours.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 && !c.MockDataEnabled {
		return fmt.Errorf("no broker accounts configured and mock data is disabled")
	}
	if c.MaxInstrumentsPerConnection <= 0 {
		return fmt.Errorf("MAX_INSTRUMENTS_PER_CONNECTION must be positive")
	}
	if c.TickBatchMaxSize <= 0 {
		return fmt.Errorf("TICK_BATCH_MAX_SIZE must be positive")
	}
	if c.S3ArchiveEnabled && c.S3Bucket == "" {
		return fmt.Errorf("S3_ARCHIVE_ENABLED requires S3_BUCKET")
	}
	return nil
}

// TickBatchWindow returns the tick batch flush window as a time.Duration.
func (c *Config) TickBatchWindow() time.Duration {
	return time.Duration(c.TickBatchWindowMS) * time.Millisecond
}

// GreeksMaxUnderlyingAge returns the Greeks staleness bound as a time.Duration.
func (c *Config) GreeksMaxUnderlyingAge() time.Duration {
	return time.Duration(c.GreeksMaxUnderlyingAgeMS) * time.Millisecond
}

// OrderExecutorPollInterval returns the order queue poll interval as a time.Duration.
func (c *Config) OrderExecutorPollInterval() time.Duration {
	return time.Duration(c.OrderExecutorPollIntervalMS) * time.Millisecond
}

// RedisCircuitRecovery returns the circuit breaker's OPEN-state duration.
func (c *Config) RedisCircuitRecovery() time.Duration {
	return time.Duration(c.RedisCircuitRecoverySeconds) * time.Second
}

// OrderIdempotencyWindow returns the idempotency dedupe window as a time.Duration.
func (c *Config) OrderIdempotencyWindow() time.Duration {
	return time.Duration(c.OrderIdempotencyWindowSeconds) * time.Second
}

// ReloadDebounce returns the reload debounce wait as a time.Duration.
func (c *Config) ReloadDebounce() time.Duration {
	return time.Duration(c.ReloadDebounceMS) * time.Millisecond
}

// ReloadMaxDebounce returns the ceiling on the re-extending debounce wait.
func (c *Config) ReloadMaxDebounce() time.Duration {
	return time.Duration(c.ReloadMaxDebounceMS) * time.Millisecond
}

// ReloadMinGap returns the minimum spacing between reload runs.
func (c *Config) ReloadMinGap() time.Duration {
	return time.Duration(c.ReloadMinGapMS) * time.Millisecond
}

// LeaseTimeout returns the SessionOrchestrator lease acquisition deadline.
func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// BrokerSubscribeTimeout returns the per-call broker subscribe/unsubscribe deadline.
func (c *Config) BrokerSubscribeTimeout() time.Duration {
	return time.Duration(c.BrokerSubscribeTimeoutSeconds) * time.Second
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set
// Returns string - Environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set or invalid
// Returns int - Environment variable value as integer or default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set or invalid
// Returns bool - Environment variable value as boolean or default
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
