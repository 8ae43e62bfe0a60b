package invoiceflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/invoiceflow/match"
	"github.com/deepnoodle-ai/invoiceflow/retry"
	"gopkg.in/yaml.v3"
)

// RetryPolicy bounds how often a failing stage is re-run.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Backoff     retry.Backoff `yaml:"backoff" json:"backoff"`
}

// DefaultRetryPolicy allows three attempts with a linear 200ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Backoff: retry.BackoffLinear}
}

// ApprovalConfig drives the APPROVE stage. Policy, when set, is a script
// expression evaluated against the invoice; a truthy result auto-approves.
type ApprovalConfig struct {
	AutoApproveLimit float64 `yaml:"auto_approve_limit" json:"auto_approve_limit"`
	EscalateTo       string  `yaml:"escalate_to" json:"escalate_to"`
	Policy           string  `yaml:"policy" json:"policy,omitempty"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn,omitempty"`
	Dir    string `yaml:"dir" json:"dir,omitempty"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Config is the complete runtime configuration.
type Config struct {
	Match         match.Options     `yaml:"match" json:"match"`
	Retry         RetryPolicy       `yaml:"retry" json:"retry"`
	StageTimeout  time.Duration     `yaml:"stage_timeout" json:"stage_timeout"`
	ReviewBaseURL string            `yaml:"review_base_url" json:"review_base_url"`
	Approval      ApprovalConfig    `yaml:"approval" json:"approval"`
	ScriptEngine  string            `yaml:"script_engine" json:"script_engine"`
	Providers     map[string]string `yaml:"providers" json:"providers"`
	Store         StoreConfig       `yaml:"store" json:"store"`
	AuditDir      string            `yaml:"audit_dir" json:"audit_dir,omitempty"`
	LogLevel      string            `yaml:"log_level" json:"log_level"`
	Telemetry     TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Match:         match.DefaultOptions(),
		Retry:         DefaultRetryPolicy(),
		StageTimeout:  30 * time.Second,
		ReviewBaseURL: "http://localhost:3000",
		Approval: ApprovalConfig{
			AutoApproveLimit: 10000,
			EscalateTo:       "finance_manager",
		},
		ScriptEngine: "risor",
		Store:        StoreConfig{Driver: "memory"},
		LogLevel:     "info",
		Telemetry:    TelemetryConfig{ServiceName: "invoiceflow"},
	}
}

// LoadConfigFile reads a YAML config file on top of the defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return LoadConfigString(string(data))
}

// LoadConfigString parses YAML config on top of the defaults.
func LoadConfigString(data string) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewBufferString(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INVOICEFLOW_* environment variables. Values
// that fail to parse are reported together.
func (c *Config) ApplyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	c.Match.Threshold, err = envFloat("INVOICEFLOW_MATCH_THRESHOLD", c.Match.Threshold)
	collect(err)
	c.Match.TolerancePct, err = envFloat("INVOICEFLOW_MATCH_TOLERANCE_PCT", c.Match.TolerancePct)
	collect(err)
	c.Retry.MaxAttempts, err = envInt("INVOICEFLOW_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	collect(err)
	c.Retry.BaseDelay, err = envDuration("INVOICEFLOW_RETRY_BASE_DELAY", c.Retry.BaseDelay)
	collect(err)
	c.Retry.Backoff = retry.Backoff(envStr("INVOICEFLOW_RETRY_BACKOFF", string(c.Retry.Backoff)))
	c.StageTimeout, err = envDuration("INVOICEFLOW_STAGE_TIMEOUT", c.StageTimeout)
	collect(err)
	c.ReviewBaseURL = envStr("INVOICEFLOW_REVIEW_BASE_URL", c.ReviewBaseURL)
	c.Approval.AutoApproveLimit, err = envFloat("INVOICEFLOW_AUTO_APPROVE_LIMIT", c.Approval.AutoApproveLimit)
	collect(err)
	c.Approval.Policy = envStr("INVOICEFLOW_APPROVAL_POLICY", c.Approval.Policy)
	c.ScriptEngine = envStr("INVOICEFLOW_SCRIPT_ENGINE", c.ScriptEngine)
	c.Store.Driver = envStr("INVOICEFLOW_STORE", c.Store.Driver)
	c.Store.DSN = envStr("INVOICEFLOW_STORE_DSN", c.Store.DSN)
	c.Store.Dir = envStr("INVOICEFLOW_DATA_DIR", c.Store.Dir)
	c.AuditDir = envStr("INVOICEFLOW_AUDIT_DIR", c.AuditDir)
	c.LogLevel = envStr("INVOICEFLOW_LOG_LEVEL", c.LogLevel)
	c.Telemetry.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Insecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
	collect(err)

	return errors.Join(errs...)
}

// Validate checks that the configuration can drive a run.
func (c Config) Validate() error {
	if err := c.Match.Validate(); err != nil {
		return fmt.Errorf("config: match: %w", err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("config: retry.base_delay must not be negative")
	}
	if c.Retry.Backoff != "" && !c.Retry.Backoff.Valid() {
		return fmt.Errorf("config: unknown retry.backoff %q", c.Retry.Backoff)
	}
	if c.StageTimeout < 0 {
		return fmt.Errorf("config: stage_timeout must not be negative")
	}
	if c.Approval.AutoApproveLimit < 0 {
		return fmt.Errorf("config: approval.auto_approve_limit must not be negative")
	}
	switch c.ScriptEngine {
	case "", "risor", "expr":
	default:
		return fmt.Errorf("config: unknown script_engine %q", c.ScriptEngine)
	}
	switch c.Store.Driver {
	case "", "memory", "file", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
