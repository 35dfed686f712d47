// Command deriverd runs the graph deriver as a standalone daemon, separate
// from the HTTP retrieval service so the two can be scaled and deployed
// independently.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldnotes/memoryengine/internal/config"
	"github.com/fieldnotes/memoryengine/internal/deriver"
	"github.com/fieldnotes/memoryengine/internal/store"
	"github.com/fieldnotes/memoryengine/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("deriverd starting", "version", version, "poll_interval", cfg.DeriverPollInterval)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-deriver", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	s, err := store.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer s.Close(ctx)

	d := deriver.New(s, logger, cfg.DeriverPollInterval)

	go logDeriverStatus(ctx, d, logger, cfg.DeriverPollInterval*10)

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("deriver: %w", err)
	}

	slog.Info("deriverd stopped")
	return nil
}

// logDeriverStatus periodically surfaces per-tenant derivation health so an
// operator tailing logs can see a stuck tenant without querying Postgres
// directly. Runs at a coarser cadence than the poll loop itself.
func logDeriverStatus(ctx context.Context, d *deriver.Deriver, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range d.Status() {
				if st.LastErr != nil {
					logger.Warn("deriver: tenant unhealthy", "org_id", st.OrgID, "last_poll", st.LastPoll, "error", st.LastErr)
				}
			}
		}
	}
}
