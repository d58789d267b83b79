package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the agent configuration
type Config struct {
	HostID        string `json:"host_id"`
	NATSURL       string `json:"nats_url"`
	EventSubject  string `json:"event_subject"`
	IngestSubject string `json:"ingest_subject"`
	CacheDir      string `json:"cache_dir"`
	LogLevel      string `json:"log_level"`
	PolicyFile    string `json:"policy_file,omitempty"`

	// HTTP server configuration
	HTTPPort    int    `json:"http_port"`
	HTTPAddress string `json:"http_address"`

	// Event journal
	JournalSize   int `json:"journal_size"`
	JournalDedupe int `json:"journal_dedupe"`

	// Host scans, disabled when zero
	ScanInterval time.Duration `json:"scan_interval"`

	// Budget and capture
	InitialBudget  float64       `json:"initial_budget"`
	DrainInterval  time.Duration `json:"drain_interval"`
	StruggleFactor float64       `json:"struggle_factor"`

	// Shadow simulation
	ShadowTimeout       time.Duration `json:"shadow_timeout"`
	ShadowRiskThreshold float64       `json:"shadow_risk_threshold"`
	ShadowHistory       int           `json:"shadow_history"`

	// Rollback points
	RollbackMaxPoints int `json:"rollback_max_points"`
	RollbackPruneTo   int `json:"rollback_prune_to"`

	// OS actions
	ActionsPerSec float64 `json:"actions_per_sec"`
	ActionBurst   int     `json:"action_burst"`
	QuarantineDir string  `json:"quarantine_dir"`
	BlockMapPin   string  `json:"block_map_pin,omitempty"`
	DryRun        bool    `json:"dry_run"`

	// Audit sink, disabled when empty
	AuditDSN string `json:"-"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		HostID:        getEnv("AGENT_HOST_ID", hostname()),
		NATSURL:       getEnv("AGENT_NATS_URL", "nats://localhost:4222"),
		EventSubject:  getEnv("AGENT_EVENT_SUBJECT", "mitigation.events"),
		IngestSubject: getEnv("AGENT_INGEST_SUBJECT", "mitigation.observations"),
		CacheDir:      getEnv("AGENT_CACHE_DIR", "/tmp/aegisflux-mitigation"),
		LogLevel:      getEnv("AGENT_LOG_LEVEL", "info"),
		PolicyFile:    getEnv("AGENT_POLICY_FILE", ""),

		// HTTP server configuration
		HTTPPort:    getIntEnv("AGENT_HTTP_PORT", 8091),
		HTTPAddress: getEnv("AGENT_HTTP_ADDRESS", ""),

		JournalSize:   getIntEnv("AGENT_JOURNAL_SIZE", 1000),
		JournalDedupe: getIntEnv("AGENT_JOURNAL_DEDUPE", 4096),

		ScanInterval: getDurationEnv("AGENT_SCAN_INTERVAL_SEC", 10*time.Second),

		InitialBudget:  getFloat64Env("AGENT_INITIAL_BUDGET", 0),
		DrainInterval:  getDurationEnv("AGENT_DRAIN_INTERVAL_SEC", 5*time.Second),
		StruggleFactor: getFloat64Env("AGENT_STRUGGLE_FACTOR", -1),

		ShadowTimeout:       getMillisEnv("AGENT_SHADOW_TIMEOUT_MS", 5*time.Second),
		ShadowRiskThreshold: getFloat64Env("AGENT_SHADOW_RISK_THRESHOLD", 0.7),
		ShadowHistory:       getIntEnv("AGENT_SHADOW_HISTORY", 1000),

		RollbackMaxPoints: getIntEnv("AGENT_ROLLBACK_MAX_POINTS", 100),
		RollbackPruneTo:   getIntEnv("AGENT_ROLLBACK_PRUNE_TO", 50),

		ActionsPerSec: getFloat64Env("AGENT_ACTIONS_PER_SEC", 20),
		ActionBurst:   getIntEnv("AGENT_ACTION_BURST", 10),
		QuarantineDir: getEnv("AGENT_QUARANTINE_DIR", "/var/lib/aegisflux/quarantine"),
		BlockMapPin:   getEnv("AGENT_BLOCK_MAP_PIN", ""),
		DryRun:        getBoolEnv("AGENT_DRY_RUN", false),

		AuditDSN: getEnv("AGENT_AUDIT_DSN", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("nats_url cannot be empty")
	}
	if c.EventSubject == "" || c.IngestSubject == "" {
		return fmt.Errorf("event and ingest subjects cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir cannot be empty")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if c.JournalSize <= 0 {
		return fmt.Errorf("journal_size must be positive")
	}
	if c.JournalDedupe < 0 {
		return fmt.Errorf("journal_dedupe cannot be negative")
	}
	if c.ScanInterval < 0 {
		return fmt.Errorf("scan_interval cannot be negative")
	}
	if c.InitialBudget < 0 {
		return fmt.Errorf("initial_budget cannot be negative")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain_interval must be positive")
	}
	if c.ShadowTimeout <= 0 {
		return fmt.Errorf("shadow_timeout must be positive")
	}
	if c.ShadowRiskThreshold <= 0 || c.ShadowRiskThreshold > 1 {
		return fmt.Errorf("shadow_risk_threshold must be within (0,1]")
	}
	if c.ShadowHistory <= 0 {
		return fmt.Errorf("shadow_history must be positive")
	}
	if c.RollbackMaxPoints <= 0 {
		return fmt.Errorf("rollback_max_points must be positive")
	}
	if c.RollbackPruneTo <= 0 || c.RollbackPruneTo > c.RollbackMaxPoints {
		return fmt.Errorf("rollback_prune_to must be between 1 and rollback_max_points")
	}
	if c.ActionsPerSec < 0 {
		return fmt.Errorf("actions_per_sec cannot be negative")
	}
	if c.QuarantineDir == "" {
		return fmt.Errorf("quarantine_dir cannot be empty")
	}
	return nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration in seconds with a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getMillisEnv gets a duration in milliseconds with a default value
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getFloat64Env gets a float64 environment variable with a default value
func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
