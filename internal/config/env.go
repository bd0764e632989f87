package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads FRAGMENT_SERVICE_* environment variables that are
// not represented by dedicated CLI flags in the serve command.
func (c *Config) ApplyEnvOverrides() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyBoolEnv("FRAGMENT_SERVICE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_DB_MAX_OPEN_CONNS", &c.DBMaxOpenConns); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_DB_MAX_IDLE_CONNS", &c.DBMaxIdleConns); err != nil {
		return err
	}
	if err = applyDurationEnv("FRAGMENT_SERVICE_DB_QUERY_TIMEOUT", &c.DBQueryTimeout); err != nil {
		return err
	}

	applyStringEnv("FRAGMENT_SERVICE_EMBEDDING_MODEL_NAME", &c.EmbeddingModelName)
	if err = applyIntEnv("FRAGMENT_SERVICE_EMBEDDING_DIMENSIONS", &c.EmbeddingDimensions); err != nil {
		return err
	}
	applyStringEnv("FRAGMENT_SERVICE_LLM_MODEL_NAME", &c.LLMModelName)
	if err = applyDurationEnv("FRAGMENT_SERVICE_LLM_TIMEOUT", &c.LLMTimeout); err != nil {
		return err
	}
	applyStringEnv("FRAGMENT_SERVICE_NLI_ENDPOINT", &c.NLIEndpoint)
	if err = applyDurationEnv("FRAGMENT_SERVICE_NLI_TIMEOUT", &c.NLITimeout); err != nil {
		return err
	}

	if err = applyFloatEnv("FRAGMENT_SERVICE_RANKING_IMPORTANCE_WEIGHT", &c.RankingImportanceWeight); err != nil {
		return err
	}
	if err = applyFloatEnv("FRAGMENT_SERVICE_RANKING_RECENCY_WEIGHT", &c.RankingRecencyWeight); err != nil {
		return err
	}
	if err = applyInt64Env("FRAGMENT_SERVICE_RANKING_ACTIVATION_THRESHOLD", &c.RankingActivationThreshold); err != nil {
		return err
	}

	if err = applyIntEnv("FRAGMENT_SERVICE_STALE_PROCEDURE_DAYS", &c.StaleProcedureDays); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_STALE_FACT_DAYS", &c.StaleFactDays); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_STALE_DECISION_DAYS", &c.StaleDecisionDays); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_STALE_DEFAULT_DAYS", &c.StaleDefaultDays); err != nil {
		return err
	}

	if err = applyIntEnv("FRAGMENT_SERVICE_LINKED_FRAGMENT_LIMIT", &c.LinkedFragmentLimit); err != nil {
		return err
	}
	if err = applyIntEnv("FRAGMENT_SERVICE_WM_MAX_TOKENS", &c.WMMaxTokens); err != nil {
		return err
	}
	if err = applyInt64Env("FRAGMENT_SERVICE_KEYWORD_SET_MAX_SIZE", &c.KeywordSetMaxSize); err != nil {
		return err
	}
	if err = applyDurationEnv("FRAGMENT_SERVICE_EVALUATOR_POLL_INTERVAL", &c.EvaluatorPollInterval); err != nil {
		return err
	}
	applyStringEnv("FRAGMENT_SERVICE_REPORT_DIR", &c.ReportDir)

	if c.RankingImportanceWeight+c.RankingRecencyWeight != 1.0 {
		return fmt.Errorf("ranking weights must sum to 1, got %v + %v",
			c.RankingImportanceWeight, c.RankingRecencyWeight)
	}
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyInt64Env(key string, dest *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyFloatEnv(key string, dest *float64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}
