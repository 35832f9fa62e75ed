// Package embedding is the Embedding Port: a cache-fronted interface over a
// primary and a fallback embedding provider, grounded on the HTTP
// request/response contract of internal/embedding/client.go generalized to
// two concrete SDK-backed providers instead of one generic HTTP endpoint.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
)

// Provider embeds a single piece of text into a fixed-dimension vector.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ContentHash returns the stable content-hash key used for dedup and cache
// lookups, matching the convention of Memory.ContentHash.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Cache is the subset of embedcache.Cache the Port depends on, kept narrow
// so tests can substitute a fake.
type Cache interface {
	Get(hash string) ([]float32, bool)
	Put(hash string, vector []float32)
}

// Port is the cache-fronted, primary/secondary-provider embedding
// resolver every ingestion path calls through.
type Port struct {
	cache     Cache
	primary   Provider
	secondary Provider
	logger    ports.Logger
	metrics   ports.Metrics
}

// New builds a Port. secondary may be nil to disable fallback.
func New(cache Cache, primary, secondary Provider, logger ports.Logger, metrics ports.Metrics) *Port {
	if logger == nil {
		logger = ports.NoopLogger{}
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &Port{cache: cache, primary: primary, secondary: secondary, logger: logger, metrics: metrics}
}

// Result carries the resolved embedding plus which path produced it, for
// Memory.EmbeddingProvenance.
type Result struct {
	Vector     []float32
	Provenance string // cache|primary|secondary
}

// Embed resolves content to an embedding, checking the cache first, then
// the primary provider, then the secondary provider on primary failure.
// content must be non-empty and within model.MaxContentRunes.
func (p *Port) Embed(ctx context.Context, content string) (Result, error) {
	if content == "" {
		return Result{}, errs.New(errs.KindInvalidInput, "content must not be empty")
	}
	if len([]rune(content)) > model.MaxContentRunes {
		return Result{}, errs.New(errs.KindInvalidInput, "content exceeds maximum length")
	}

	hash := ContentHash(content)
	if p.cache != nil {
		if v, ok := p.cache.Get(hash); ok {
			p.metrics.IncCounter("embedding_cache_hit_total", nil)
			return Result{Vector: v, Provenance: "cache"}, nil
		}
		p.metrics.IncCounter("embedding_cache_miss_total", nil)
	}

	vec, provenance, err := p.resolve(ctx, content)
	if err != nil {
		return Result{}, err
	}
	if len(vec) != model.Dimension {
		return Result{}, errs.New(errs.KindEmbedFailed, "provider returned wrong embedding dimension").
			WithDetails(map[string]any{"got": len(vec), "want": model.Dimension, "provider": provenance})
	}
	if p.cache != nil {
		p.cache.Put(hash, vec)
	}
	return Result{Vector: vec, Provenance: provenance}, nil
}

func (p *Port) resolve(ctx context.Context, content string) ([]float32, string, error) {
	if p.primary != nil {
		vec, err := p.primary.Embed(ctx, content)
		if err == nil {
			return vec, "primary", nil
		}
		p.logger.Warn("primary embedding provider failed", map[string]any{"provider": p.primary.Name(), "error": err.Error()})
		p.metrics.IncCounter("embedding_provider_failure_total", map[string]string{"provider": "primary"})
		if p.secondary == nil {
			return nil, "", errs.Wrap(errs.KindSubstrateUnavailable, "embedding provider unavailable", err)
		}
	}
	if p.secondary != nil {
		vec, err := p.secondary.Embed(ctx, content)
		if err == nil {
			return vec, "secondary", nil
		}
		p.logger.Error("secondary embedding provider failed", map[string]any{"provider": p.secondary.Name(), "error": err.Error()})
		p.metrics.IncCounter("embedding_provider_failure_total", map[string]string{"provider": "secondary"})
		return nil, "", errs.Wrap(errs.KindSubstrateUnavailable, "embedding providers unavailable", err)
	}
	return nil, "", errs.New(errs.KindConfigInvalid, "no embedding provider configured")
}
