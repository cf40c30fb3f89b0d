package main

import (
	"context"
	"log"
	"os"

	"github.com/luufmg/esdm/internal/api"
	"github.com/luufmg/esdm/internal/config"
	"github.com/luufmg/esdm/internal/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("esdm: starting",
		"listen_addr", cfg.ListenAddr,
		"config", cfg.ConfigPath,
		"backends", len(cfg.Storage.Backends),
	)

	ctx := context.Background()
	eng, err := engine.FromConfig(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("failed to initialize backends: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, logger)
	runErr := srv.Run()

	if err := eng.Finalize(ctx); err != nil {
		logger.Error("finalize backends", "error", err)
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
