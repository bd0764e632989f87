package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the management listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the fragment service.
type Config struct {
	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	// Redis (keyword index, queues, working memory, session activity)
	RedisURL string

	// Backend selection
	StoreType string // "postgres"
	IndexType string // "redis" or "noop"
	EmbedType string // "openai" or "disabled"
	LLMType   string // "openai" or "disabled"
	NLIType   string // "remote" or "disabled"

	// OpenAI-compatible providers
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	EmbeddingModelName  string
	EmbeddingDimensions int
	LLMModelName        string
	LLMTimeout          time.Duration

	// NLI
	NLIEndpoint string
	NLITimeout  time.Duration

	// Ranking
	RankingImportanceWeight    float64
	RankingRecencyWeight       float64
	RankingActivationThreshold int64

	// Staleness windows (days since verified) per fragment type.
	StaleProcedureDays int
	StaleFactDays      int
	StaleDecisionDays  int
	StaleDefaultDays   int

	// Search
	LinkedFragmentLimit int
	DefaultTokenBudget  int

	// Working memory
	WMMaxTokens int

	// Keyword index
	KeywordSetMaxSize int64

	// Evaluator
	EvaluatorPollInterval time.Duration

	// Consolidation
	ConflictSimilarityThreshold   float64
	AutoLinkSimilarityThreshold   float64
	SupersedeSimilarityThreshold  float64
	PendingContradictionThreshold float64
	EmbeddingBackfillBatch        int

	// Tool server. 0 serves MCP over stdio; a port serves streamable HTTP.
	Port int

	// Consolidation scheduling. 0 disables the periodic pass.
	ConsolidationInterval time.Duration

	// Server
	ManagementListener ListenerConfig

	// Graceful shutdown drain timeout.
	DrainTimeout time.Duration

	// Directory for feedback report artefacts. Empty uses the OS temp directory.
	ReportDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreType:               "postgres",
		IndexType:               "redis",
		EmbedType:               "disabled",
		LLMType:                 "disabled",
		NLIType:                 "disabled",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          20,
		DBMaxIdleConns:          5,
		DBQueryTimeout:          30 * time.Second,

		OpenAIBaseURL:       "https://api.openai.com/v1",
		EmbeddingModelName:  "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		LLMModelName:        "gpt-4o-mini",
		LLMTimeout:          30 * time.Second,
		NLITimeout:          3 * time.Second,

		RankingImportanceWeight:    0.6,
		RankingRecencyWeight:       0.4,
		RankingActivationThreshold: 100,

		StaleProcedureDays: 30,
		StaleFactDays:      60,
		StaleDecisionDays:  90,
		StaleDefaultDays:   60,

		LinkedFragmentLimit: 10,
		DefaultTokenBudget:  1000,
		WMMaxTokens:         500,
		KeywordSetMaxSize:   1000,

		EvaluatorPollInterval: 5 * time.Second,
		ConsolidationInterval: time.Hour,

		ConflictSimilarityThreshold:   0.8,
		AutoLinkSimilarityThreshold:   0.7,
		SupersedeSimilarityThreshold:  0.85,
		PendingContradictionThreshold: 0.92,
		EmbeddingBackfillBatch:        5,

		ManagementListener: ListenerConfig{
			Port:              9090,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout: 30 * time.Second,
	}
}

// StaleDays returns the staleness window in days for the given fragment type.
func (c *Config) StaleDays(fragmentType string) int {
	switch fragmentType {
	case "procedure":
		return c.StaleProcedureDays
	case "fact":
		return c.StaleFactDays
	case "decision":
		return c.StaleDecisionDays
	default:
		return c.StaleDefaultDays
	}
}

// ResolvedReportDir returns the configured report directory or the platform default.
func (c *Config) ResolvedReportDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.ReportDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
