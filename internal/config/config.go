// Package config defines all configuration for the trading core.
// Config is loaded environment-first (the PORT / CANTON_* / SETTLEMENT_* /
// EVENT_PROCESSOR_* / RECONCILIATION_* variables), with an optional YAML
// file (PEBBLE_CONFIG) layered underneath for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Env    string       `mapstructure:"node_env"`
	Server ServerConfig `mapstructure:"server"`

	Canton         CantonConfig         `mapstructure:"canton"`
	Parties        PartiesConfig        `mapstructure:"parties"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Settlement     SettlementConfig     `mapstructure:"settlement"`
	EventProcessor EventProcessorConfig `mapstructure:"event_processor"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Logging        LoggingConfig        `mapstructure:"logging"`

	// AdminKey authorizes admin operations (market create/close/resolve)
	// and signs hub session tokens.
	AdminKey string `mapstructure:"admin_key"`

	// BootstrapTestParties onboards a fixed set of test parties at startup.
	BootstrapTestParties bool `mapstructure:"bootstrap_test_parties"`
}

// ServerConfig is the listen address for the transport layer.
// AllowedOrigins is the websocket origin allowlist; empty means same-host
// and localhost only.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CantonConfig locates the Canton JSON Ledger API.
type CantonConfig struct {
	Host     string `mapstructure:"host"`
	JSONPort int    `mapstructure:"json_port"`
	UseTLS   bool   `mapstructure:"use_tls"`
	JWTToken string `mapstructure:"jwt_token"`
}

// BaseURL returns the JSON API base URL.
func (c CantonConfig) BaseURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.JSONPort)
}

// PartiesConfig names the well-known operator parties.
type PartiesConfig struct {
	Admin  string `mapstructure:"admin"`
	Oracle string `mapstructure:"oracle"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	WALMode bool   `mapstructure:"wal_mode"`
}

// SettlementConfig tunes the settlement batcher.
//
//   - BatchInterval: how often pending trades are swept into a batch.
//   - MaxBatchSize:  cap on trades per batch.
//   - MaxRetries:    failed-batch retries before trades enter compensation.
//   - ProposalTimeout: per-ledger-call deadline during the proposal phase.
//   - RoundDelay:    pause between the three settlement phases.
type SettlementConfig struct {
	BatchInterval   time.Duration `mapstructure:"batch_interval"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ProposalTimeout time.Duration `mapstructure:"proposal_timeout"`
	RoundDelay      time.Duration `mapstructure:"round_delay"`
}

// EventProcessorConfig tunes stream reconnection backoff.
type EventProcessorConfig struct {
	InitialReconnectDelay time.Duration `mapstructure:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `mapstructure:"max_reconnect_delay"`
	ReconnectMultiplier   float64       `mapstructure:"reconnect_multiplier"`
}

// ReconciliationConfig tunes the balance reconciliation loop.
type ReconciliationConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	DriftTolerance float64       `mapstructure:"drift_tolerance"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps the recognised environment variables onto config keys.
var envBindings = map[string]string{
	"server.host":                            "HOST",
	"server.port":                            "PORT",
	"server.allowed_origins":                 "ALLOWED_ORIGINS",
	"node_env":                               "NODE_ENV",
	"canton.host":                            "CANTON_HOST",
	"canton.json_port":                       "CANTON_JSON_PORT",
	"canton.use_tls":                         "CANTON_USE_TLS",
	"canton.jwt_token":                       "CANTON_JWT_TOKEN",
	"parties.admin":                          "PEBBLE_ADMIN_PARTY",
	"parties.oracle":                         "ORACLE_PARTY",
	"database.path":                          "DATABASE_PATH",
	"database.wal_mode":                      "DATABASE_WAL_MODE",
	"admin_key":                              "ADMIN_KEY",
	"settlement.batch_interval":              "SETTLEMENT_BATCH_INTERVAL_MS",
	"settlement.max_batch_size":              "SETTLEMENT_MAX_BATCH_SIZE",
	"settlement.max_retries":                 "SETTLEMENT_MAX_RETRIES",
	"settlement.proposal_timeout":            "SETTLEMENT_PROPOSAL_TIMEOUT_MS",
	"settlement.round_delay":                 "SETTLEMENT_ROUND_DELAY_MS",
	"event_processor.initial_reconnect_delay": "EVENT_PROCESSOR_INITIAL_RECONNECT_MS",
	"event_processor.max_reconnect_delay":     "EVENT_PROCESSOR_MAX_RECONNECT_MS",
	"event_processor.reconnect_multiplier":    "EVENT_PROCESSOR_RECONNECT_MULTIPLIER",
	"reconciliation.interval":                 "RECONCILIATION_INTERVAL_MS",
	"reconciliation.stale_threshold":          "RECONCILIATION_STALE_THRESHOLD_MINUTES",
	"reconciliation.drift_tolerance":          "RECONCILIATION_DRIFT_TOLERANCE",
	"bootstrap_test_parties":                  "BOOTSTRAP_TEST_PARTIES",
	"logging.level":                           "LOG_LEVEL",
	"logging.format":                          "LOG_FORMAT",
}

// Durations configured via *_MS env vars arrive as bare integers; these keys
// are scaled to milliseconds, stale_threshold to minutes.
var msKeys = map[string]bool{
	"settlement.batch_interval":               true,
	"settlement.proposal_timeout":             true,
	"settlement.round_delay":                  true,
	"event_processor.initial_reconnect_delay": true,
	"event_processor.max_reconnect_delay":     true,
	"reconciliation.interval":                 true,
}

// Load reads config from the environment, with an optional YAML file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Scale bare-integer env durations before unmarshal.
	for key := range msKeys {
		if raw := v.GetString(key); raw != "" && !strings.ContainsAny(raw, "smhµn") {
			v.Set(key, fmt.Sprintf("%sms", raw))
		}
	}
	if raw := v.GetString("reconciliation.stale_threshold"); raw != "" && !strings.ContainsAny(raw, "smhµn") {
		v.Set("reconciliation.stale_threshold", fmt.Sprintf("%sm", raw))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)

	v.SetDefault("canton.host", "localhost")
	v.SetDefault("canton.json_port", 7575)
	v.SetDefault("canton.use_tls", false)

	v.SetDefault("database.path", "pebble.db")
	v.SetDefault("database.wal_mode", true)

	v.SetDefault("settlement.batch_interval", "2000ms")
	v.SetDefault("settlement.max_batch_size", 10)
	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.proposal_timeout", "30000ms")
	v.SetDefault("settlement.round_delay", "500ms")

	v.SetDefault("event_processor.initial_reconnect_delay", "1000ms")
	v.SetDefault("event_processor.max_reconnect_delay", "30000ms")
	v.SetDefault("event_processor.reconnect_multiplier", 2.0)

	v.SetDefault("reconciliation.interval", "60000ms")
	v.SetDefault("reconciliation.stale_threshold", "5m")
	v.SetDefault("reconciliation.drift_tolerance", 0.001)

	v.SetDefault("bootstrap_test_parties", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Canton.Host == "" {
		return fmt.Errorf("canton.host is required (set CANTON_HOST)")
	}
	if c.Canton.JSONPort <= 0 {
		return fmt.Errorf("canton.json_port must be positive (set CANTON_JSON_PORT)")
	}
	if c.Parties.Admin == "" {
		return fmt.Errorf("parties.admin is required (set PEBBLE_ADMIN_PARTY)")
	}
	if c.Parties.Oracle == "" {
		return fmt.Errorf("parties.oracle is required (set ORACLE_PARTY)")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (set DATABASE_PATH)")
	}
	if c.AdminKey == "" {
		return fmt.Errorf("admin_key is required (set ADMIN_KEY)")
	}
	if c.Settlement.MaxBatchSize <= 0 {
		return fmt.Errorf("settlement.max_batch_size must be > 0")
	}
	if c.Settlement.MaxRetries < 0 {
		return fmt.Errorf("settlement.max_retries must be >= 0")
	}
	if c.Settlement.BatchInterval <= 0 {
		return fmt.Errorf("settlement.batch_interval must be > 0")
	}
	if c.EventProcessor.ReconnectMultiplier < 1 {
		return fmt.Errorf("event_processor.reconnect_multiplier must be >= 1")
	}
	if c.Reconciliation.DriftTolerance < 0 {
		return fmt.Errorf("reconciliation.drift_tolerance must be >= 0")
	}
	return nil
}
