package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fixbench/orchestrator/api"
	"github.com/fixbench/orchestrator/backend"
	"github.com/fixbench/orchestrator/config"
	"github.com/fixbench/orchestrator/coordinator"
	"github.com/fixbench/orchestrator/driver"
	"github.com/fixbench/orchestrator/policy"
	"github.com/fixbench/orchestrator/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting benchmark engine...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Tools: %v", cfg.Tools)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize backend clients
	agentClient := backend.NewAgentClient(cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.BackendTimeout)
	repoClient := backend.NewRepoClient(cfg.RepoAPIURL, cfg.BackendTimeout)
	findingClient := backend.NewFindingClient(cfg.FindingAPIURL, cfg.BackendTimeout)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize driver factory
	factory := &driver.Factory{
		Agent:             agentClient,
		Model:             backend.NewModelClient(cfg.ModelAPIURL, cfg.ModelAPIKey, cfg.BackendTimeout),
		Repo:              repoClient,
		AgentPollInterval: cfg.AgentPollInterval,
		AgentMaxWait:      cfg.AgentMaxWait,
	}

	// Initialize coordinator
	coord := coordinator.New(db, findingClient, factory, policyEngine, cfg)

	// Initialize handler
	h := api.NewHandler(db, coord, cfg)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Benchmark API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down benchmark engine...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Benchmark engine stopped")
}
