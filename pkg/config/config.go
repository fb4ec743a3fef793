package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Ops          OpsConfig          `json:"ops"`
	Redis        RedisConfig        `json:"redis"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Admission    AdmissionConfig    `json:"admission"`
	Logging      LoggingConfig      `json:"logging"`
}

// OpsConfig contains the operational HTTP server configuration
type OpsConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// OrchestratorConfig contains background loop intervals and retry tuning
type OrchestratorConfig struct {
	HealthProbeInterval    time.Duration `json:"health_probe_interval"`
	QueueDrainInterval     time.Duration `json:"queue_drain_interval"`
	EscalationScanInterval time.Duration `json:"escalation_scan_interval"`
	AggregateScanInterval  time.Duration `json:"aggregate_scan_interval"`
	SnapshotFlushInterval  time.Duration `json:"snapshot_flush_interval"`
	MaxRequestAttempts     int           `json:"max_request_attempts"`
	RetryBaseDelay         time.Duration `json:"retry_base_delay"`
}

// AdmissionConfig contains default per-service admission limits,
// applied when a service has no explicit limit configuration
type AdmissionConfig struct {
	DefaultBurstLimit     int     `json:"default_burst_limit"`
	DefaultSustainedLimit int     `json:"default_sustained_limit"`
	DefaultDailyLimit     int     `json:"default_daily_limit"`
	DefaultMonthlyBudget  float64 `json:"default_monthly_budget"`
	DefaultDailyBudget    float64 `json:"default_daily_budget"`
	DefaultCostPerRequest float64 `json:"default_cost_per_request"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Ops: OpsConfig{
			Host:         getEnvString("OPS_HOST", "0.0.0.0"),
			Port:         getEnvInt("OPS_PORT", 8090),
			ReadTimeout:  getEnvDuration("OPS_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("OPS_WRITE_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Orchestrator: OrchestratorConfig{
			HealthProbeInterval:    getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
			QueueDrainInterval:     getEnvDuration("QUEUE_DRAIN_INTERVAL", 5*time.Second),
			EscalationScanInterval: getEnvDuration("ESCALATION_SCAN_INTERVAL", 5*time.Minute),
			AggregateScanInterval:  getEnvDuration("AGGREGATE_SCAN_INTERVAL", 1*time.Minute),
			SnapshotFlushInterval:  getEnvDuration("SNAPSHOT_FLUSH_INTERVAL", 1*time.Minute),
			MaxRequestAttempts:     getEnvInt("MAX_REQUEST_ATTEMPTS", 3),
			RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 1*time.Second),
		},
		Admission: AdmissionConfig{
			DefaultBurstLimit:     getEnvInt("ADMISSION_DEFAULT_BURST_LIMIT", 10),
			DefaultSustainedLimit: getEnvInt("ADMISSION_DEFAULT_SUSTAINED_LIMIT", 300),
			DefaultDailyLimit:     getEnvInt("ADMISSION_DEFAULT_DAILY_LIMIT", 100000),
			DefaultMonthlyBudget:  getEnvFloat("ADMISSION_DEFAULT_MONTHLY_BUDGET", 10000),
			DefaultDailyBudget:    getEnvFloat("ADMISSION_DEFAULT_DAILY_BUDGET", 500),
			DefaultCostPerRequest: getEnvFloat("ADMISSION_DEFAULT_COST_PER_REQUEST", 0.01),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Orchestrator.MaxRequestAttempts < 1 {
		return fmt.Errorf("max request attempts must be at least 1")
	}

	if c.Admission.DefaultCostPerRequest < 0 {
		return fmt.Errorf("default cost per request cannot be negative")
	}

	if c.Admission.DefaultDailyBudget > c.Admission.DefaultMonthlyBudget {
		return fmt.Errorf("default daily budget cannot exceed monthly budget")
	}

	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
