// Command coworkd runs the cowork coordination daemon: it connects to
// PostgreSQL, optionally applies schema migrations, hydrates the blackboard
// and workflow engine, and serves the event dispatcher until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cowork-labs/cowork/internal/app"
	"github.com/cowork-labs/cowork/internal/config"
)

func main() {
	configPath := flag.String("config", "cowork.yml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := zap.NewProductionConfig()
	if cfg.Debug {
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	application := app.New(cfg, logger)
	if err := application.Init(ctx); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	logger.Info("coworkd running",
		zap.String("config", *configPath),
		zap.String("database", cfg.Database.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("shutting down", zap.String("signal", sig.String()))
	application.Close()
	logger.Info("coworkd stopped")
}
