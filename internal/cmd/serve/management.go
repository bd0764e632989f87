package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmem/fragment-service/internal/config"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
)

// startManagementServer serves /health, /ready and /metrics on a dedicated
// listener. /ready probes the store; a degraded index does not fail readiness.
func startManagementServer(cfg config.ListenerConfig, store registrystore.FragmentStore, index registryindex.KeywordIndex) (net.Addr, func(context.Context) error, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/ready", func(c *gin.Context) {
		probeCtx, cancel := context.WithTimeout(scope.WithMaintenance(c.Request.Context()), 2*time.Second)
		defer cancel()
		if _, err := store.Count(probeCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "store": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "UP", "indexAvailable": index.Available()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("management listener: %w", err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Management server error", "err", err)
		}
	}()
	log.Info("Management server listening", "addr", listener.Addr())

	return listener.Addr(), srv.Shutdown, nil
}
