// Package config loads the broker's runtime knobs from a YAML file via
// viper, then layers environment-variable overrides on top, following
// the same CONFIG_PATH-or-default-path idiom the rest of the stack
// uses for its own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Broker holds every configuration knob spec.md §6 enumerates, plus the
// ambient stack's own settings (logging, metrics, storage backends).
type Broker struct {
	Policy      PolicyConfig      `mapstructure:"policy"`
	Approval    ApprovalConfig    `mapstructure:"approval"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Competence  CompetenceConfig  `mapstructure:"competence"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type PolicyConfig struct {
	CacheTTLMs     int    `mapstructure:"cache_ttl_ms"`
	RateLimitMax   int    `mapstructure:"rate_limit_max"`
	RateLimitMsWin int64  `mapstructure:"rate_limit_window_ms"`
	BundleDir      string `mapstructure:"bundle_dir"`
}

type ApprovalConfig struct {
	ExpiryStandardMs   int64 `mapstructure:"expiry_standard_ms"`
	ExpiryElevatedMs   int64 `mapstructure:"expiry_elevated_ms"`
	ExpiryMandatoryMs  int64 `mapstructure:"expiry_mandatory_ms"`
	DenyWhenNoApprovers bool `mapstructure:"deny_when_no_approvers"`
}

type ExecutionConfig struct {
	Mode             string `mapstructure:"mode"` // inline | queue
	QueueConcurrency int    `mapstructure:"queue_concurrency"`
	QueueMaxAttempts int    `mapstructure:"queue_max_attempts"`
	TemporalTaskQueue string `mapstructure:"temporal_task_queue"`
}

type CompetenceConfig struct {
	DecayPerDay float64 `mapstructure:"decay_per_day"`
}

type IdempotencyConfig struct {
	WindowMs int64 `mapstructure:"window_ms"`
}

type AuditConfig struct {
	RedactionPatterns []string `mapstructure:"redaction_patterns"`
	ChainVerifyIntervalMs int64 `mapstructure:"chain_verify_interval_ms"`
	ExpirySweepIntervalMs int64 `mapstructure:"expiry_sweep_interval_ms"`
}

type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // memory | postgres
	PostgresDSN string `mapstructure:"postgres_dsn"`
	GuardrailBackend string `mapstructure:"guardrail_backend"` // memory | redis
	RedisAddr   string `mapstructure:"redis_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Default returns the knobs' documented defaults (spec.md §6), applied
// before the config file and environment overrides are layered on.
func Default() Broker {
	return Broker{
		Policy: PolicyConfig{
			CacheTTLMs:     60000,
			RateLimitMax:   0,
			RateLimitMsWin: 0,
		},
		Approval: ApprovalConfig{
			ExpiryStandardMs:    86400000,
			ExpiryElevatedMs:    43200000,
			ExpiryMandatoryMs:   14400000,
			DenyWhenNoApprovers: true,
		},
		Execution: ExecutionConfig{
			Mode:              "inline",
			QueueConcurrency:  5,
			QueueMaxAttempts:  3,
			TemporalTaskQueue: "broker-execute",
		},
		Competence: CompetenceConfig{DecayPerDay: 2},
		Idempotency: IdempotencyConfig{WindowMs: 300000},
		Audit: AuditConfig{
			RedactionPatterns:     nil,
			ChainVerifyIntervalMs: 24 * 60 * 60 * 1000,
			ExpirySweepIntervalMs: 30000,
		},
		Storage: StorageConfig{Backend: "memory", GuardrailBackend: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads the broker config file from CONFIG_PATH, or
// /app/config/broker.yaml if present, or config/broker.yaml otherwise,
// merges it onto Default(), then applies environment overrides. A
// missing config file is not an error: Default() plus env vars is a
// valid configuration.
func Load() (Broker, error) {
	cfg := Default()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/broker.yaml"); err == nil {
			cfgPath = "/app/config/broker.yaml"
		} else {
			cfgPath = "config/broker.yaml"
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "broker.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Broker) {
	envInt(&cfg.Policy.CacheTTLMs, "POLICY_CACHE_TTL_MS")
	envInt(&cfg.Policy.RateLimitMax, "RATE_LIMIT_MAX")
	envInt64(&cfg.Policy.RateLimitMsWin, "RATE_LIMIT_WINDOW_MS")
	envString(&cfg.Policy.BundleDir, "POLICY_BUNDLE_DIR")

	envInt64(&cfg.Approval.ExpiryStandardMs, "APPROVAL_EXPIRY_STANDARD_MS")
	envInt64(&cfg.Approval.ExpiryElevatedMs, "APPROVAL_EXPIRY_ELEVATED_MS")
	envInt64(&cfg.Approval.ExpiryMandatoryMs, "APPROVAL_EXPIRY_MANDATORY_MS")
	if v := os.Getenv("DENY_WHEN_NO_APPROVERS"); v != "" {
		cfg.Approval.DenyWhenNoApprovers = ParseBool(v)
	}

	envString(&cfg.Execution.Mode, "EXECUTION_MODE")
	envInt(&cfg.Execution.QueueConcurrency, "QUEUE_CONCURRENCY")
	envInt(&cfg.Execution.QueueMaxAttempts, "QUEUE_MAX_ATTEMPTS")
	envString(&cfg.Execution.TemporalTaskQueue, "TEMPORAL_TASK_QUEUE")

	envFloat(&cfg.Competence.DecayPerDay, "COMPETENCE_DECAY_PER_DAY")

	envInt64(&cfg.Idempotency.WindowMs, "IDEMPOTENCY_WINDOW_MS")

	if v := os.Getenv("AUDIT_REDACTION_PATTERNS"); v != "" {
		cfg.Audit.RedactionPatterns = strings.Split(v, ",")
	}
	envInt64(&cfg.Audit.ChainVerifyIntervalMs, "AUDIT_CHAIN_VERIFY_INTERVAL_MS")
	envInt64(&cfg.Audit.ExpirySweepIntervalMs, "APPROVAL_EXPIRY_SWEEP_MS")

	envString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	envString(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")
	envString(&cfg.Storage.GuardrailBackend, "GUARDRAIL_BACKEND")
	envString(&cfg.Storage.RedisAddr, "REDIS_ADDR")

	envString(&cfg.Logging.Level, "LOG_LEVEL")
	envString(&cfg.Logging.Format, "LOG_FORMAT")

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = ParseBool(v)
	}
	envInt(&cfg.Metrics.Port, "METRICS_PORT")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = n
		}
	}
}

// ParseBool converts common string representations to bool, matching
// the loose truthy/falsy parsing used throughout the env-override
// knobs above.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}

// ApprovalExpiryHours converts the millisecond knobs into the hour
// units approval.ExpiryConfig wants.
func (b Broker) ApprovalExpiryHours() (standard, elevated, mandatory float64) {
	return float64(b.Approval.ExpiryStandardMs) / float64(time.Hour/time.Millisecond),
		float64(b.Approval.ExpiryElevatedMs) / float64(time.Hour/time.Millisecond),
		float64(b.Approval.ExpiryMandatoryMs) / float64(time.Hour/time.Millisecond)
}
