package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fieldnotes/memoryengine/internal/annindex"
	"github.com/fieldnotes/memoryengine/internal/auth"
	"github.com/fieldnotes/memoryengine/internal/config"
	"github.com/fieldnotes/memoryengine/internal/embedclient"
	"github.com/fieldnotes/memoryengine/internal/policy"
	"github.com/fieldnotes/memoryengine/internal/ratelimit"
	"github.com/fieldnotes/memoryengine/internal/retrieval"
	"github.com/fieldnotes/memoryengine/internal/server"
	"github.com/fieldnotes/memoryengine/internal/service"
	"github.com/fieldnotes/memoryengine/internal/store"
	"github.com/fieldnotes/memoryengine/internal/telemetry"
	"github.com/fieldnotes/memoryengine/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("MEMORY_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
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
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("memoryd starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	s, err := store.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer s.Close(ctx)

	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := embedclient.New(cfg.EmbeddingURL, cfg.EmbeddingDimensions, cfg.EmbeddingTimeout)

	weights := retrieval.Weights{
		SeedK:               cfg.SeedK,
		HopDepth:            cfg.HopDepth,
		HopFanout:           cfg.HopFanout,
		FinalK:              cfg.FinalK,
		AlphaVec:            cfg.AlphaVec,
		BetaLex:             cfg.BetaLex,
		GammaGraph:          cfg.GammaGraph,
		DeltaRecency:        cfg.DeltaRecency,
		RecencyHalflifeDays: cfg.RecencyHalflifeDays,
		UseMMR:              cfg.UseMMR,
		MMRLambda:           cfg.MMRLambda,
		MMRPool:             cfg.MMRPool,
		GraphBonusMap:       cfg.GraphBonusMap,
	}

	policyCache := policy.NewCache(30 * time.Second)
	pipeline := retrieval.New(s, embedder, logger, weights, policyCache)

	backfill := service.New(s, embedder, logger, cfg.EmbeddingModelName, cfg.EmbeddingModelVersion, cfg.BackfillBatchSize)
	go func() {
		n, err := backfill.BackfillEmbeddings(ctx)
		if err != nil {
			logger.Error("embedding backfill failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("embedding backfill complete", "embedded", n)
		}
	}()

	seedBackend := "pgvector"
	if cfg.QdrantURL != "" {
		mirror, err := annindex.New(annindex.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("annindex: %w", err)
		}
		defer func() { _ = mirror.Close() }()

		if err := mirror.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("annindex ensure collection: %w", err)
		}
		pipeline.SetVectorSeeder(mirror)
		seedBackend = "qdrant"

		outbox := annindex.NewOutboxWorker(s.Pool(), mirror, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outbox.Start(ctx)
		defer func() {
			drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownHTTPTimeout)
			defer drainCancel()
			outbox.Drain(drainCtx)
		}()

		logger.Info("annindex: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("annindex: disabled (no QDRANT_URL)")
	}

	limiter := newRateLimiter(cfg, logger)

	srv := server.New(server.ServerConfig{
		Store:               s,
		JWTMgr:              jwtMgr,
		Pipeline:            pipeline,
		Weights:             weights,
		Logger:              logger,
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		TrustProxy:          cfg.TrustProxy,
		SeedBackend:         seedBackend,
		RequestBudget:       cfg.RequestBudget,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("memoryd shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownHTTPTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("memoryd stopped")
	return nil
}

// newRateLimiter wires a Redis-backed rate limiter when MEMORY_REDIS_URL is
// set. An unreachable or unset Redis leaves rate limiting disabled rather
// than blocking startup; a down secondary dependency should degrade
// retrieval, not refuse to serve it.
func newRateLimiter(cfg config.Config, logger *slog.Logger) *ratelimit.Limiter {
	if cfg.RedisURL == "" {
		logger.Info("rate limiting: disabled (no MEMORY_REDIS_URL)")
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("rate limiting: invalid MEMORY_REDIS_URL, disabling", "error", err)
		return nil
	}

	client := redis.NewClient(opts)
	logger.Info("rate limiting: redis sliding window", "fail_closed", cfg.RateLimitFailClosed)
	return ratelimit.New(client, logger, cfg.RateLimitFailClosed)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
