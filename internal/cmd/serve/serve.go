package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/agentmem/fragment-service/internal/config"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "github.com/agentmem/fragment-service/internal/plugin/embed/disabled"
	_ "github.com/agentmem/fragment-service/internal/plugin/embed/openai"
	_ "github.com/agentmem/fragment-service/internal/plugin/index/noop"
	_ "github.com/agentmem/fragment-service/internal/plugin/index/redis"
	_ "github.com/agentmem/fragment-service/internal/plugin/llm/disabled"
	_ "github.com/agentmem/fragment-service/internal/plugin/llm/openai"
	_ "github.com/agentmem/fragment-service/internal/plugin/nli/disabled"
	_ "github.com/agentmem/fragment-service/internal/plugin/nli/remote"
	_ "github.com/agentmem/fragment-service/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the fragment service tool server and background workers",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			cfg.ManagementListener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "Serve the tool surface over streamable HTTP on this port (0 = stdio)",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_DB_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},

		// ── Index ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "index-kind",
			Category:    "Index:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_INDEX_KIND"),
			Destination: &cfg.IndexType,
			Value:       cfg.IndexType,
			Usage:       "Keyword index backend (" + strings.Join(registryindex.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Index:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI-compatible API key (embeddings and evaluator)",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},

		// ── Evaluator ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "llm-kind",
			Category:    "Evaluator:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_LLM_KIND"),
			Destination: &cfg.LLMType,
			Value:       cfg.LLMType,
			Usage:       "LLM provider for evaluation and adjudication (" + strings.Join(registryllm.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "nli-kind",
			Category:    "Evaluator:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_NLI_KIND"),
			Destination: &cfg.NLIType,
			Value:       cfg.NLIType,
			Usage:       "NLI classifier for contradiction detection (" + strings.Join(registrynli.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "nli-endpoint",
			Category:    "Evaluator:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_NLI_ENDPOINT"),
			Destination: &cfg.NLIEndpoint,
			Usage:       "Base URL of the NLI classification service",
		},

		// ── Consolidation ─────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "consolidation-interval",
			Category:    "Consolidation:",
			Sources:     cli.EnvVars("FRAGMENT_SERVICE_CONSOLIDATION_INTERVAL"),
			Destination: &cfg.ConsolidationInterval,
			Value:       cfg.ConsolidationInterval,
			Usage:       "Interval between background consolidation passes (0 = manual only)",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	if cfg.Port == 0 {
		// Stdio mode blocks until the client closes the pipe or the
		// signal context fires.
		if err := srv.ServeStdio(ctx); err != nil {
			log.Error("Stdio serve error", "err", err)
		}
	} else {
		<-ctx.Done()
	}
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
