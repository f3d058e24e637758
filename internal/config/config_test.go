package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedKnobs(t *testing.T) {
	cfg := Default()
	require.Equal(t, 60000, cfg.Policy.CacheTTLMs)
	require.Equal(t, int64(86400000), cfg.Approval.ExpiryStandardMs)
	require.Equal(t, int64(43200000), cfg.Approval.ExpiryElevatedMs)
	require.Equal(t, int64(14400000), cfg.Approval.ExpiryMandatoryMs)
	require.True(t, cfg.Approval.DenyWhenNoApprovers)
	require.Equal(t, "inline", cfg.Execution.Mode)
	require.Equal(t, 5, cfg.Execution.QueueConcurrency)
	require.Equal(t, 3, cfg.Execution.QueueMaxAttempts)
	require.Equal(t, 2.0, cfg.Competence.DecayPerDay)
	require.Equal(t, int64(300000), cfg.Idempotency.WindowMs)
}

func TestApprovalExpiryHoursConversion(t *testing.T) {
	cfg := Default()
	standard, elevated, mandatory := cfg.ApprovalExpiryHours()
	require.Equal(t, 24.0, standard)
	require.Equal(t, 12.0, elevated)
	require.Equal(t, 4.0, mandatory)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	os.Unsetenv("CONFIG_PATH")
	t.Setenv("EXECUTION_MODE", "queue")
	t.Setenv("QUEUE_CONCURRENCY", "12")
	t.Setenv("DENY_WHEN_NO_APPROVERS", "false")
	t.Setenv("AUDIT_REDACTION_PATTERNS", "ssn,creditCard")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "queue", cfg.Execution.Mode)
	require.Equal(t, 12, cfg.Execution.QueueConcurrency)
	require.False(t, cfg.Approval.DenyWhenNoApprovers)
	require.Equal(t, []string{"ssn", "creditCard"}, cfg.Audit.RedactionPatterns)
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "1": true, "yes": true, "on": true,
		"false": false, "0": false, "no": false, "off": false, "garbage": false,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseBool(in), in)
	}
}
