// Package config provides environment-variable configuration loading
// and validation for the mutation engine, and the domain-specific
// Config it loads into.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from
// environment variables with an optional key prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// Config is the worker service's full configuration, loaded from
// environment variables under the GRAPHMUTATE_ prefix (overridable by
// flags in cmd/graphenginectl, following the teacher's cli precedence:
// flags > env > defaults).
type Config struct {
	RedisURL        string
	QueueKeyPrefix  string
	StoreRoot       string
	AuditDBPath     string
	DebugLogging    bool
	TakeTimeout     time.Duration
	EdgeRetryCount  int
	EdgeRetryDelay  time.Duration
	PoisonThreshold int
	MetricsEnabled  bool
}

// Load reads Config from the environment with the teacher's defaults
// pattern: every field has a sane default so the service starts with
// no configuration at all against a local Redis and a ./data store.
func Load() *Config {
	env := NewEnvConfig("GRAPHMUTATE")
	return &Config{
		RedisURL:        env.GetString("REDIS_URL", "redis://localhost:6379/0"),
		QueueKeyPrefix:  env.GetString("QUEUE_PREFIX", "graphmutate:"),
		StoreRoot:       env.GetString("STORE_ROOT", "./data"),
		AuditDBPath:     env.GetString("AUDIT_DB_PATH", "./data/audit.db"),
		DebugLogging:    env.GetBool("DEBUG_LOGGING", false),
		TakeTimeout:     env.GetDuration("TAKE_TIMEOUT", 5*time.Second),
		EdgeRetryCount:  env.GetInt("EDGE_RETRY_COUNT", 3),
		EdgeRetryDelay:  env.GetDuration("EDGE_RETRY_DELAY", 100*time.Millisecond),
		PoisonThreshold: env.GetInt("POISON_THRESHOLD", 3),
		MetricsEnabled:  env.GetBool("METRICS_ENABLED", true),
	}
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequirePositiveDuration validates that a duration field is positive.
func (v *Validator) RequirePositiveDuration(field string, value time.Duration) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []string {
	return v.errors
}

// Validate runs validation and returns an error if invalid.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}

// ValidateConfig applies the engine's required invariants to cfg.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	v.RequireString("RedisURL", cfg.RedisURL)
	v.RequireString("StoreRoot", cfg.StoreRoot)
	v.RequirePositiveDuration("TakeTimeout", cfg.TakeTimeout)
	v.RequirePositiveInt("EdgeRetryCount", cfg.EdgeRetryCount)
	v.RequirePositiveInt("PoisonThreshold", cfg.PoisonThreshold)
	return v.Validate()
}
