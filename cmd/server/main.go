package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-engine/internal/config"
	"github.com/ksred/klear-engine/internal/database"
	"github.com/ksred/klear-engine/internal/logging"
	"github.com/ksred/klear-engine/internal/server"
)

// main initializes and runs the engine API server with graceful shutdown support
// It sets up all required services, database connections, and API routes
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logCloser := logging.Setup(cfg)
	defer logCloser.Close()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvState, err := server.New(ctx, cfg, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer srvState.Close()

	// Start background processors
	srvState.Start(ctx)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srvState.Router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
