package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/app"
	"github.com/qualys/sbcompliance/internal/config"
	"github.com/qualys/sbcompliance/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize dependencies", zap.Error(err))
	}
	defer deps.Close()

	server, err := deps.Server()
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	logger.Info("starting sbcompliance server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))
	if err := server.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
