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

	"github.com/xiaot623/hero/internal/ability"
	"github.com/xiaot623/hero/internal/approval"
	"github.com/xiaot623/hero/internal/broadcast"
	"github.com/xiaot623/hero/internal/config"
	"github.com/xiaot623/hero/internal/frame"
	"github.com/xiaot623/hero/internal/hub"
	"github.com/xiaot623/hero/internal/interaction"
	"github.com/xiaot623/hero/internal/participant"
	"github.com/xiaot623/hero/internal/policy"
	"github.com/xiaot623/hero/internal/question"
	"github.com/xiaot623/hero/internal/store"
	httpserver "github.com/xiaot623/hero/internal/transport/http"
	v1 "github.com/xiaot623/hero/internal/transport/http/v1"
	"github.com/xiaot623/hero/internal/transport/rpc"
	"github.com/xiaot623/hero/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting hero...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	// Initialize policy engine
	policyEngine, err := loadPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Live delivery
	registry := hub.NewRegistry()
	router := broadcast.NewRouter(registry, db)

	// Coordination core
	frames := frame.NewBroadcaster(frame.NewStore(db), router, nil)
	participants := participant.NewService(db, frames)
	bus := interaction.NewBus(router, cfg.ResolvedRetention)
	approvals := approval.NewCoordinator(db, router, policyEngine, cfg.ResolvedRetention)
	questions := question.NewService(router, cfg.ResolvedRetention)

	// Approvals left pending by a previous process can no longer be answered
	if _, err := approvals.RecoverStale(ctx); err != nil {
		log.Fatalf("Failed to recover stale approvals: %v", err)
	}

	abilities := ability.NewRegistry()
	if err := ability.RegisterBuiltins(abilities, frames); err != nil {
		log.Fatalf("Failed to register built-in abilities: %v", err)
	}
	executor := ability.NewExecutor(abilities, approvals, router, cfg.ApprovalTimeout)

	// Public HTTP server: REST API and live channel
	live := ws.NewServer(cfg, registry, ws.Handlers{
		Interactions: bus,
		Approvals:    approvals,
		Questions:    questions,
	})
	api := v1.NewHandler(participants, frames, executor, approvals)
	httpServer := httpserver.NewServer(api, live)

	// Internal RPC server for agent runners
	rpcServer, err := rpc.NewServer(rpc.NewHandler(frames, executor, questions, bus, cfg.QuestionTimeout))
	if err != nil {
		log.Fatalf("Failed to initialize RPC server: %v", err)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	log.Printf("HTTP API started on port %d", cfg.HTTPPort)
	log.Printf("RPC server started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down hero...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}

	log.Printf("Abandoned %d pending approvals, %d interactions, %d questions",
		approvals.PendingCount(), bus.PendingCount(), questions.PendingCount())
	log.Println("Hero stopped")
}

func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewDefaultEngine(ctx)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	log.Printf("Using approval policy from %s", path)
	return policy.NewEngine(ctx, string(content))
}
