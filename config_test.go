package invoiceflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/invoiceflow/retry"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.90, cfg.Match.Threshold)
	require.Equal(t, 5.0, cfg.Match.TolerancePct)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, retry.BackoffLinear, cfg.Retry.Backoff)
	require.Equal(t, 10000.0, cfg.Approval.AutoApproveLimit)
	require.Equal(t, "finance_manager", cfg.Approval.EscalateTo)
	require.Equal(t, "http://localhost:3000", cfg.ReviewBaseURL)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "risor", cfg.ScriptEngine)
}

func TestLoadConfigString(t *testing.T) {
	cfg, err := LoadConfigString(`
match:
  threshold: 0.95
retry:
  max_attempts: 5
  base_delay: 50ms
  backoff: exponential
stage_timeout: 5s
approval:
  auto_approve_limit: 2500
  policy: amount < 1000
script_engine: expr
providers:
  erp: netsuite
store:
  driver: sqlite
  dsn: /tmp/invoiceflow.db
`)
	require.NoError(t, err)
	require.Equal(t, 0.95, cfg.Match.Threshold)
	require.Equal(t, 5.0, cfg.Match.TolerancePct)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, retry.BackoffExponential, cfg.Retry.Backoff)
	require.Equal(t, 5*time.Second, cfg.StageTimeout)
	require.Equal(t, 2500.0, cfg.Approval.AutoApproveLimit)
	require.Equal(t, "finance_manager", cfg.Approval.EscalateTo)
	require.Equal(t, "amount < 1000", cfg.Approval.Policy)
	require.Equal(t, "expr", cfg.ScriptEngine)
	require.Equal(t, "netsuite", cfg.Providers["erp"])
	require.Equal(t, "sqlite", cfg.Store.Driver)

	empty, err := LoadConfigString("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), empty)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":    "colour: blue\n",
		"threshold":        "match:\n  threshold: 1.5\n",
		"tolerance":        "match:\n  tolerance_pct: -1\n",
		"zero threshold":   "match:\n  threshold: 0\n",
		"zero tolerance":   "match:\n  tolerance_pct: 0\n",
		"attempts":         "retry:\n  max_attempts: 0\n",
		"backoff":          "retry:\n  backoff: fibonacci\n",
		"store driver":     "store:\n  driver: cassandra\n",
		"script engine":    "script_engine: lua\n",
		"negative limit":   "approval:\n  auto_approve_limit: -5\n",
		"negative delay":   "retry:\n  base_delay: -1s\n",
		"malformed yaml":   "match: [\n",
		"negative timeout": "stage_timeout: -1s\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfigString(doc)
			require.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoiceflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("review_base_url: https://ap.example.com\n"), 0644))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "https://ap.example.com", cfg.ReviewBaseURL)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("INVOICEFLOW_MATCH_THRESHOLD", "0.8")
	t.Setenv("INVOICEFLOW_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("INVOICEFLOW_RETRY_BASE_DELAY", "1s")
	t.Setenv("INVOICEFLOW_STORE", "postgres")
	t.Setenv("INVOICEFLOW_STORE_DSN", "postgres://localhost/invoiceflow")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, 0.8, cfg.Match.Threshold)
	require.Equal(t, 7, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "postgres://localhost/invoiceflow", cfg.Store.DSN)
	require.True(t, cfg.Telemetry.Insecure)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsEveryBadValue(t *testing.T) {
	t.Setenv("INVOICEFLOW_MATCH_THRESHOLD", "high")
	t.Setenv("INVOICEFLOW_STAGE_TIMEOUT", "forever")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.ErrorContains(t, err, "INVOICEFLOW_MATCH_THRESHOLD")
	require.ErrorContains(t, err, "INVOICEFLOW_STAGE_TIMEOUT")
	require.Equal(t, 0.90, cfg.Match.Threshold)
}
