// Command animad is the memory engine's composition root: it wires the
// storage port, embedding port, and every engine built on top of them, and
// exposes nothing beyond a health check. HTTP transport, CLI wrappers, and
// deployment scripting live outside this module's scope.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jcbbge/anima/internal/config"
	"github.com/jcbbge/anima/internal/logging"
	"github.com/jcbbge/anima/internal/memory/association"
	"github.com/jcbbge/anima/internal/memory/consolidation"
	"github.com/jcbbge/anima/internal/memory/embedcache"
	"github.com/jcbbge/anima/internal/memory/embedding"
	"github.com/jcbbge/anima/internal/memory/fold"
	"github.com/jcbbge/anima/internal/memory/handshake"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/resonance"
	"github.com/jcbbge/anima/internal/memory/service"
	"github.com/jcbbge/anima/internal/memory/storage"
	"github.com/jcbbge/anima/internal/memory/supervisor"
	"github.com/jcbbge/anima/internal/memory/tier"
	"github.com/jcbbge/anima/internal/persistence/databases"
	"github.com/jcbbge/anima/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	logger := logging.NewWithFile(cfg.LogPath, cfg.LogLevel)
	metrics := telemetry.NewOtelMetrics(otel.Meter("anima/memory"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", map[string]any{"error": err.Error()})
		return
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", map[string]any{"error": err.Error()})
		return
	}

	embed := buildEmbeddingPort(cfg, logger, metrics)

	resonanceEngine := resonance.New(store,
		resonance.WithClock(ports.SystemClock{}), resonance.WithLogger(logger), resonance.WithMetrics(metrics),
		resonance.WithDecay(cfg.DecayFactor, cfg.DecayPhiFloor))
	tierEngine := tier.New(store,
		tier.WithLogger(logger), tier.WithMetrics(metrics),
		tier.WithThresholds(cfg.TierActiveToThread, cfg.TierThreadToStable))
	associationEngine := association.New(store, association.WithLogger(logger), association.WithMetrics(metrics))
	consolidationEngine := consolidation.New(store,
		consolidation.WithLogger(logger), consolidation.WithMetrics(metrics),
		consolidation.WithThresholds(cfg.SemanticDuplicateThreshold, consolidation.DefaultFragmentationThreshold),
		consolidation.WithFragmentationScanLimit(cfg.FragmentationScanLimit))

	sup := supervisor.New(cfg.SupervisorQueueDepth, supervisor.WithLogger(logger), supervisor.WithMetrics(metrics))
	sup.Start(ctx)
	defer func() {
		if err := sup.Stop(); err != nil {
			logger.Warn("supervisor stop reported an error", map[string]any{"error": err.Error()})
		}
	}()

	if cfg.KafkaEnabled {
		backlog := supervisor.NewKafkaBacklog(cfg.KafkaBrokers, "anima-memory-tasks", "anima-memory", logger, metrics)
		defer backlog.Close()
	}

	handshakeSvc := handshake.New(store,
		handshake.WithLogger(logger), handshake.WithMetrics(metrics),
		handshake.WithWindows(cfg.HandshakeConvWindow, cfg.HandshakeSessionWindow, cfg.HandshakeGlobalWindow, cfg.GhostTTL))

	foldEngine := fold.New(store, embed, associationEngine,
		fold.WithLogger(logger), fold.WithMetrics(metrics),
		fold.WithThresholds(cfg.FoldMinConsonance, cfg.FoldEvolutionThreshold))
	if err := foldEngine.SetDrift(ctx, cfg.DriftAperture); err != nil {
		logger.Warn("failed to persist initial drift aperture", map[string]any{"error": err.Error()})
	}

	memoryService := service.New(store, embed, resonanceEngine, tierEngine, associationEngine, consolidationEngine,
		service.WithLogger(logger), service.WithMetrics(metrics), service.WithSupervisor(sup),
		service.WithHandshake(handshakeSvc),
		service.WithQueryPromotionThresholds(cfg.QueryPromotionActive, cfg.QueryPromotionThread))

	logger.Info("memory engine ready", map[string]any{
		"fold_min_consonance":   cfg.FoldMinConsonance,
		"tier_active_to_thread": cfg.TierActiveToThread,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":               "ok",
			"supervisor_queue_len": sup.QueueDepth(),
			"memory_service":       memoryService != nil,
			"fold_engine":          foldEngine != nil,
		})
	})

	srv := &http.Server{
		Addr:              ":8090",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("animad listening", map[string]any{"addr": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", map[string]any{"error": err.Error()})
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (storage.Store, func(), error) {
	pool, err := databases.OpenPool(ctx, cfg.DatabaseURL, cfg.PoolMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage pool: %w", err)
	}
	store := databases.New(pool)
	return store, func() { store.Close() }, nil
}

func buildEmbeddingPort(cfg config.Config, logger *logging.Logger, metrics *telemetry.OtelMetrics) *embedding.Port {
	cache := embedcache.New(ports.SystemClock{}, cfg.EmbeddingCacheSize, cfg.EmbeddingCacheTTL)

	var primary embedding.Provider = embedding.NewOpenAIProvider(cfg.PrimaryProvider.APIKey, cfg.PrimaryProvider.BaseURL, cfg.PrimaryProvider.Model)

	var secondary embedding.Provider
	if cfg.SecondaryProvider.APIKey != "" {
		genaiProvider, err := embedding.NewGenAIProvider(context.Background(), cfg.SecondaryProvider.APIKey, cfg.SecondaryProvider.BaseURL, cfg.SecondaryProvider.Model)
		if err != nil {
			logger.Warn("secondary embedding provider unavailable, continuing without fallback", map[string]any{"error": err.Error()})
		} else {
			secondary = genaiProvider
		}
	}

	return embedding.New(cache, primary, secondary, logger, metrics)
}
