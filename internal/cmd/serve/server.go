package serve

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmem/fragment-service/internal/activity"
	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/memory"
	"github.com/agentmem/fragment-service/internal/plugin/index/noop"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
	registrymigrate "github.com/agentmem/fragment-service/internal/registry/migrate"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/search"
	"github.com/agentmem/fragment-service/internal/service"
)

// Server holds the running subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.FragmentStore
	Index   registryindex.KeywordIndex
	Manager *memory.Manager

	mcp         *mcpserver.MCPServer
	httpServer  *mcpserver.StreamableHTTPServer
	evaluator   *service.Evaluator
	autoReflect *service.AutoReflect

	stopWorkers     context.CancelFunc
	closeManagement func(context.Context) error
}

// StartServer initializes all subsystems and starts the background workers,
// the management listener, and (when a port is configured) the streamable
// HTTP tool server.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting fragment service",
		"port", cfg.Port,
		"db", cfg.StoreType,
		"index", cfg.IndexType,
		"embedding", cfg.EmbedType,
		"llm", cfg.LLMType,
		"nli", cfg.NLIType,
	)

	// Run migrations
	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize the embedder first and inject it into the context so the
	// store loader can pick it up for embedding-aware inserts.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	ctx = registryembed.WithContext(ctx, embedder)

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Initialize the keyword index. The index is an accelerator; when it
	// cannot be reached the service starts degraded on the noop index and
	// every lookup falls through to the store.
	var index registryindex.KeywordIndex
	if indexLoader, err := registryindex.Select(cfg.IndexType); err != nil {
		log.Warn("Index not available", "index", cfg.IndexType, "err", err)
		index = noop.New()
	} else if index, err = indexLoader(ctx); err != nil {
		log.Warn("Failed to initialize index, starting degraded", "index", cfg.IndexType, "err", err)
		index = noop.New()
	}

	llm, err := loadLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}
	nli, err := loadNLI(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine, err := search.New(store, index, embedder, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize search engine: %w", err)
	}
	tracker := activity.NewTracker(index)
	manager := memory.New(store, index, engine, embedder, tracker, cfg)

	consolidator := service.NewConsolidator(store, index, embedder, nli, llm, cfg)
	manager.SetConsolidateFunc(consolidator.Run)

	evaluator := service.NewEvaluator(store, index, llm, cfg.EvaluatorPollInterval)
	autoReflect := service.NewAutoReflect(manager, tracker, llm)

	workerCtx, stopWorkers := context.WithCancel(config.WithContext(context.Background(), cfg))
	go evaluator.Start(workerCtx)
	if cfg.ConsolidationInterval > 0 {
		go runConsolidationLoop(workerCtx, consolidator, cfg.ConsolidationInterval)
	}

	srv := &Server{
		Config:      cfg,
		Store:       store,
		Index:       index,
		Manager:     manager,
		evaluator:   evaluator,
		autoReflect: autoReflect,
		stopWorkers: stopWorkers,
	}

	srv.mcp = newToolServer(manager)
	if cfg.Port > 0 {
		srv.httpServer = mcpserver.NewStreamableHTTPServer(srv.mcp)
		go func() {
			if err := srv.httpServer.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
				log.Error("Tool server error", "err", err)
			}
		}()
	}

	_, closeManagement, err := startManagementServer(cfg.ManagementListener, store, index)
	if err != nil {
		stopWorkers()
		return nil, err
	}
	srv.closeManagement = closeManagement
	return srv, nil
}

// ServeStdio serves the tool surface over stdin/stdout until the context is
// cancelled or the client closes the pipe.
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcpserver.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Shutdown stops the workers, reflects unfinished sessions so they leave
// memory behind, and closes the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopWorkers()
	s.evaluator.Wait()
	s.autoReflect.ReflectAll(config.WithContext(ctx, s.Config), 50)

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.closeManagement != nil {
		if err := s.closeManagement(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func loadLLM(ctx context.Context, cfg *config.Config) (registryllm.Client, error) {
	loader, err := registryllm.Select(cfg.LLMType)
	if err != nil {
		return nil, err
	}
	llm, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm: %w", err)
	}
	return llm, nil
}

func loadNLI(ctx context.Context, cfg *config.Config) (registrynli.Classifier, error) {
	loader, err := registrynli.Select(cfg.NLIType)
	if err != nil {
		return nil, err
	}
	nli, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nli: %w", err)
	}
	return nli, nil
}

func runConsolidationLoop(ctx context.Context, c *service.Consolidator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil {
				log.Error("Consolidation pass failed", "err", err)
			}
		}
	}
}
