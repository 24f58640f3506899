// Package config holds the service configuration: environment variables
// for deployment wiring, an optional YAML profile for tuning policy
// values (score weights, rule limits, scan cadence).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds signald configuration.
type Config struct {
	LogLevel string

	// Storage.
	DatabaseDriver string // "sqlite" | "postgres" | "memory"
	DatabaseURL    string

	// Distributed locking. Empty means in-process locks.
	RedisAddr     string
	RedisPassword string

	// Rules.
	RulesPath          string
	RulePollInterval   time.Duration
	RuleReloadCooldown time.Duration

	// Identity.
	IdentitySalt        string
	IdentitySaltVersion int
	BucketWindow        time.Duration

	// Verification.
	MergeMode    string
	ScanInterval time.Duration
	FetchBudget  time.Duration
	EnrichWindow time.Duration
	WorkerCount  int
	LockTTL      time.Duration

	// Tuning profile. An empty code means built-in defaults.
	ProfilesDir string
	Profile     string

	// Observability.
	OTLPEndpoint string
	OTLPEnabled  bool
	OTLPInsecure bool
	AuditPath    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local sqlite file
		dbURL = "signald.db"
	}

	rulesPath := os.Getenv("RULES_PATH")
	if rulesPath == "" {
		rulesPath = "rules.yaml"
	}

	salt := os.Getenv("IDENTITY_SALT")
	if salt == "" {
		salt = "signald-dev-salt"
	}

	return &Config{
		LogLevel:            logLevel,
		DatabaseDriver:      driver,
		DatabaseURL:         dbURL,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RulesPath:           rulesPath,
		RulePollInterval:    envDuration("RULE_POLL_INTERVAL", 500*time.Millisecond),
		RuleReloadCooldown:  envDuration("RULE_RELOAD_COOLDOWN", time.Second),
		IdentitySalt:        salt,
		IdentitySaltVersion: envInt("IDENTITY_SALT_VERSION", 1),
		BucketWindow:        envDuration("BUCKET_WINDOW", 5*time.Minute),
		MergeMode:           os.Getenv("MERGE_MODE"),
		ScanInterval:        envDuration("SCAN_INTERVAL", 5*time.Second),
		FetchBudget:         envDuration("FETCH_BUDGET", 3*time.Second),
		EnrichWindow:        envDuration("ENRICH_WINDOW", time.Hour),
		WorkerCount:         envInt("WORKER_COUNT", 4),
		LockTTL:             envDuration("LOCK_TTL", 10*time.Second),
		ProfilesDir:         envDefault("PROFILES_DIR", "profiles"),
		Profile:             os.Getenv("PROFILE"),
		OTLPEndpoint:        envDefault("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:         os.Getenv("OTLP_ENABLED") == "true",
		OTLPInsecure:        os.Getenv("OTLP_INSECURE") == "true",
		AuditPath:           os.Getenv("AUDIT_PATH"),
	}
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.RulesPath == "" {
		return fmt.Errorf("RULES_PATH is required")
	}
	if c.IdentitySaltVersion < 1 {
		return fmt.Errorf("IDENTITY_SALT_VERSION must be >= 1, got %d", c.IdentitySaltVersion)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
