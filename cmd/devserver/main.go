package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"salonchat/internal/config"
	"salonchat/internal/db"
	"salonchat/internal/devserver"
	"salonchat/internal/logger"
)

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	base, err := logger.New(cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer base.Sync()
	log := base.Named("server")
	log.Info("starting server")

	// Modify database path for load testing
	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatal("failed to resolve working directory", zap.Error(err))
		}
		loadTestPath := filepath.Join(cwd, "loadtest", "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		log.Info("using load testing database", zap.String("path", loadTestPath))
	}

	log.Info("loaded configuration",
		zap.String("address", cfg.ServerAddress),
		zap.String("database", cfg.CleanDatabasePath()),
		zap.String("allowed_origin", cfg.AllowedOrigin))

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	log.Info("database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(cfg, database, base)
	go srv.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("address", cfg.ServerAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
