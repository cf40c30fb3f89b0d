// testserver starts an ESDM API server on throttled in-memory backends for
// manual and end-to-end testing. Nothing is persisted.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/luufmg/esdm/internal/api"
	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/config"
	"github.com/luufmg/esdm/internal/engine"
	"github.com/luufmg/esdm/internal/model"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("ESDM_LISTEN_ADDR"); v != "" {
		addr = v
	}

	// Two data backends at different speeds so the weighted policy splits
	// large writes unevenly.
	st := config.DefaultStorage()
	st.BlockSize = 64 << 10
	st.Calibrate = true
	st.CalibrationBytes = 64 << 10
	st.Backends = []backend.Config{
		{Type: "memory", Name: "fast", Category: model.CategoryData, Options: map[string]any{
			"throughput": 200 << 20,
			"latency":    "200us",
		}},
		{Type: "memory", Name: "slow", Category: model.CategoryData, Options: map[string]any{
			"throughput": 50 << 20,
			"latency":    "2ms",
		}},
		{Type: "memory", Name: "meta", Category: model.CategoryMetadata},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()
	eng, err := engine.FromConfig(ctx, st, logger)
	if err != nil {
		log.Fatalf("failed to initialize backends: %v", err)
	}
	defer eng.Finalize(ctx)

	srv := api.NewServer(addr, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
