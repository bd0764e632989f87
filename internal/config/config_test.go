package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedReportDir_DefaultsToOSTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedReportDir())
}

func TestResolvedReportDir_UsesConfiguredValue(t *testing.T) {
	cfg := Config{ReportDir: " /var/reports "}
	require.Equal(t, "/var/reports", cfg.ResolvedReportDir())
}

func TestStaleDays_PerType(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 30, cfg.StaleDays("procedure"))
	require.Equal(t, 60, cfg.StaleDays("fact"))
	require.Equal(t, 90, cfg.StaleDays("decision"))
	require.Equal(t, 60, cfg.StaleDays("preference"))
}

func TestApplyEnvOverrides_ReadsValues(t *testing.T) {
	t.Setenv("FRAGMENT_SERVICE_WM_MAX_TOKENS", "750")
	t.Setenv("FRAGMENT_SERVICE_STALE_FACT_DAYS", "45")
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())
	require.Equal(t, 750, cfg.WMMaxTokens)
	require.Equal(t, 45, cfg.StaleFactDays)
}

func TestApplyEnvOverrides_RejectsBadWeights(t *testing.T) {
	t.Setenv("FRAGMENT_SERVICE_RANKING_IMPORTANCE_WEIGHT", "0.9")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnvOverrides())
}

func TestApplyEnvOverrides_RejectsMalformedInt(t *testing.T) {
	t.Setenv("FRAGMENT_SERVICE_WM_MAX_TOKENS", "many")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnvOverrides())
}
