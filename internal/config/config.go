// Package config loads the memory engine's tunables from environment
// variables (optionally layered over a .env file) with defaults matching
// the values spec.md calls out explicitly. It mirrors the teacher's
// env-first loader (internal/config/loader.go). It provides no typed getter
// over the config_entries table.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the memory engine reads at startup. The only
// value read from the config_entries table at run time is the Fold
// engine's drift_aperture (fold.Engine.GetDrift/SetDrift); every other
// tunable keeps its startup value until the process restarts.
type Config struct {
	// Storage
	DatabaseURL string
	PoolMaxConns int32

	// Embedding
	EmbeddingDimension   int
	EmbeddingCacheSize   int
	EmbeddingCacheTTL    time.Duration
	EmbeddingTimeout     time.Duration
	PrimaryProvider      ProviderConfig
	SecondaryProvider    ProviderConfig

	// Resonance / Tier / Consolidation thresholds
	TierActiveToThread    int64
	TierThreadToStable    int64
	QueryPromotionActive  int64 // Open Question 1 overlay, §4.7 step 4
	QueryPromotionThread  int64
	SemanticDuplicateThreshold float64
	DecaySweepInterval    time.Duration
	DecayFactor           float64
	DecayPhiFloor         float64
	AccessLogRetention    time.Duration

	// Handshake
	HandshakeConvWindow    time.Duration
	HandshakeSessionWindow time.Duration
	HandshakeGlobalWindow  time.Duration
	GhostTTL               time.Duration
	RedisAddr              string
	RedisEnabled           bool

	// Fold
	DriftAperture           float64
	FoldMinConsonance       float64
	FoldEvolutionThreshold  float64
	FragmentationScanLimit  int

	// Background work
	SupervisorQueueDepth int
	KafkaBrokers         []string
	KafkaEnabled         bool

	LogLevel string
	LogPath  string
}

// ProviderConfig describes one embedding provider endpoint.
type ProviderConfig struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
}

// Default returns the engine's documented defaults, unmodified by the
// environment. Load() starts from this and overlays env vars on top.
func Default() Config {
	return Config{
		PoolMaxConns: 50,

		EmbeddingDimension: 768,
		EmbeddingCacheSize: 10_000,
		EmbeddingCacheTTL:  time.Hour,
		EmbeddingTimeout:   30 * time.Second,

		TierActiveToThread:   3,
		TierThreadToStable:   10,
		QueryPromotionActive: 5,
		QueryPromotionThread: 20,
		SemanticDuplicateThreshold: 0.95,
		DecaySweepInterval:   30 * 24 * time.Hour,
		DecayFactor:          0.95,
		DecayPhiFloor:        0.5,
		AccessLogRetention:   24 * time.Hour,

		HandshakeConvWindow:    15 * time.Minute,
		HandshakeSessionWindow: 60 * time.Minute,
		HandshakeGlobalWindow:  24 * time.Hour,
		GhostTTL:               7 * 24 * time.Hour,

		DriftAperture:          0.2,
		FoldMinConsonance:      0.40,
		FoldEvolutionThreshold: 0.92,
		FragmentationScanLimit: 200,

		SupervisorQueueDepth: 256,

		LogLevel: "info",
	}
}

// Load reads configuration from the environment (optionally overlaid by a
// .env file, mirroring the teacher's godotenv.Overload convention) on top of
// Default().
func Load() (Config, error) {
	_ = godotenv.Overload()
	cfg := Default()

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := envInt32("POOL_MAX_CONNS"); v != 0 {
		cfg.PoolMaxConns = v
	}

	if v := envInt("EMBEDDING_DIMENSION"); v != 0 {
		cfg.EmbeddingDimension = v
	}
	if v := envInt("EMBEDDING_CACHE_SIZE"); v != 0 {
		cfg.EmbeddingCacheSize = v
	}
	if v := envDuration("EMBEDDING_CACHE_TTL"); v != 0 {
		cfg.EmbeddingCacheTTL = v
	}
	if v := envDuration("EMBEDDING_TIMEOUT"); v != 0 {
		cfg.EmbeddingTimeout = v
	}

	cfg.PrimaryProvider = ProviderConfig{
		Name:    firstNonEmpty(os.Getenv("EMBEDDING_PRIMARY_PROVIDER"), "openai"),
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   firstNonEmpty(os.Getenv("EMBEDDING_PRIMARY_MODEL"), "text-embedding-3-small"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
	cfg.SecondaryProvider = ProviderConfig{
		Name:    firstNonEmpty(os.Getenv("EMBEDDING_SECONDARY_PROVIDER"), "genai"),
		APIKey:  os.Getenv("GOOGLE_GEMINI_KEY"),
		Model:   firstNonEmpty(os.Getenv("EMBEDDING_SECONDARY_MODEL"), "text-embedding-004"),
		BaseURL: os.Getenv("GOOGLE_GENAI_BASE_URL"),
	}

	if v := envInt64("TIER_ACTIVE_TO_THREAD"); v != 0 {
		cfg.TierActiveToThread = v
	}
	if v := envInt64("TIER_THREAD_TO_STABLE"); v != 0 {
		cfg.TierThreadToStable = v
	}
	if v := envInt64("QUERY_PROMOTION_ACTIVE"); v != 0 {
		cfg.QueryPromotionActive = v
	}
	if v := envInt64("QUERY_PROMOTION_THREAD"); v != 0 {
		cfg.QueryPromotionThread = v
	}
	if v := envFloat("SEMANTIC_DUPLICATE_THRESHOLD"); v != 0 {
		cfg.SemanticDuplicateThreshold = v
	}
	if v := envDuration("DECAY_SWEEP_INTERVAL"); v != 0 {
		cfg.DecaySweepInterval = v
	}
	if v := envFloat("DECAY_FACTOR"); v != 0 {
		cfg.DecayFactor = v
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisEnabled = cfg.RedisAddr != ""

	if v := envFloat("DRIFT_APERTURE"); v != 0 {
		cfg.DriftAperture = clamp(v, 0.1, 0.3)
	}
	if v := envFloat("FOLD_MIN_CONSONANCE"); v != 0 {
		cfg.FoldMinConsonance = v
	}
	if v := envFloat("FOLD_EVOLUTION_THRESHOLD"); v != 0 {
		cfg.FoldEvolutionThreshold = v
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
		cfg.KafkaEnabled = true
	}

	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel)
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))

	return cfg, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envInt32(key string) int32 { return int32(envInt(key)) }

func envInt64(key string) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
