// Package consolidation prevents phi fragmentation by folding near-duplicate
// ingested content into the older, surviving memory instead of letting
// semantically identical rows accumulate independent resonance.
package consolidation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// DefaultDuplicateThreshold is the cosine-similarity floor for
// FindSemanticDuplicate.
const DefaultDuplicateThreshold = 0.95

// DefaultFragmentationThreshold is the cosine-similarity floor
// DetectFragmentation reports pairs above.
const DefaultFragmentationThreshold = 0.92

// DefaultFragmentationScanLimit bounds how many live memories
// DetectFragmentation compares pairwise.
const DefaultFragmentationScanLimit = 200

// highSimilarityCutoff: the full merge scale applies when a merge's similarity is at least this
// value, per spec's merge-scale formula.
const highSimilarityCutoff = 0.98

// Engine performs semantic-duplicate detection and centroid merging.
type Engine struct {
	store   storage.Store
	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics

	duplicateThreshold     float64
	fragmentationThreshold float64
	fragmentationScanLimit int
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c ports.Clock) Option    { return func(e *Engine) { e.clock = c } }
func WithLogger(l ports.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m ports.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithThresholds overrides the duplicate and fragmentation similarity
// floors.
func WithThresholds(duplicate, fragmentation float64) Option {
	return func(e *Engine) { e.duplicateThreshold, e.fragmentationThreshold = duplicate, fragmentation }
}

// WithFragmentationScanLimit overrides how many live memories
// DetectFragmentation compares pairwise.
func WithFragmentationScanLimit(limit int) Option {
	return func(e *Engine) { e.fragmentationScanLimit = limit }
}

// New builds a consolidation Engine over store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:                  store,
		clock:                  ports.SystemClock{},
		logger:                 ports.NoopLogger{},
		metrics:                ports.NoopMetrics{},
		duplicateThreshold:     DefaultDuplicateThreshold,
		fragmentationThreshold: DefaultFragmentationThreshold,
		fragmentationScanLimit: DefaultFragmentationScanLimit,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FindSemanticDuplicate returns the single most similar live memory whose
// cosine similarity to embedding is >= the configured duplicate threshold,
// or nil if none qualifies.
func (e *Engine) FindSemanticDuplicate(ctx context.Context, embedding []float32) (*model.Memory, float64, error) {
	matches, err := e.store.QueryByEmbedding(ctx, embedding, 1, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(matches) == 0 || matches[0].Similarity < e.duplicateThreshold {
		return nil, 0, nil
	}
	m := matches[0].Memory
	return &m, matches[0].Similarity, nil
}

// applyCentroidMerge folds newContent into existing in place: bumps phi,
// appends a semantic-variant record, and refreshes access bookkeeping. It
// does not persist; callers decide whether that's a standalone UpdateMemory
// (MergeIntoCentroid) or one half of an atomic merge-and-soft-delete
// (ReconcileIngest).
func applyCentroidMerge(existing *model.Memory, newContent string, isCatalyst bool, similarity float64, now time.Time) float64 {
	base := 0.1
	if isCatalyst {
		base = 1.0
	}
	scale := 0.9
	if similarity >= highSimilarityCutoff {
		scale = 1.0
	}
	contributed := base * scale

	next := existing.ResonancePhi + contributed
	if next > model.MaxPhi {
		next = model.MaxPhi
	}
	existing.ResonancePhi = next

	existing.Metadata.SemanticVariants = append(existing.Metadata.SemanticVariants, model.SemanticVariant{
		SchemaVersion:  model.CurrentSemanticVariantSchema,
		Content:        newContent,
		MergedAt:       now,
		PhiContributed: contributed,
		Similarity:     similarity,
		WasCatalyst:    isCatalyst,
	})

	existing.AccessCount++
	existing.LastAccessed = now
	if isCatalyst {
		existing.IsCatalyst = true
	}
	return contributed
}

// MergeIntoCentroid folds newContent into the existing survivor memory,
// bumping its phi, appending a semantic-variant record, and refreshing its
// access bookkeeping. existing is mutated in place and persisted.
func (e *Engine) MergeIntoCentroid(ctx context.Context, existing *model.Memory, newContent string, isCatalyst bool, similarity float64) error {
	if existing == nil {
		return errs.New(errs.KindInvalidInput, "existing memory must not be nil")
	}
	contributed := applyCentroidMerge(existing, newContent, isCatalyst, similarity, e.clock.Now())

	if err := e.store.UpdateMemory(ctx, existing); err != nil {
		return err
	}
	e.metrics.IncCounter("consolidation_merges_total", nil)
	e.logger.Info("semantic duplicate merged", map[string]any{
		"memory_id": existing.ID, "similarity": similarity, "phi_contributed": contributed,
	})
	return nil
}

// ReconcileIngest is the asynchronous post-ingest path: given the
// just-inserted memory and the duplicate match found against its
// embedding, it decides which row survives (the older of the two, by
// created_at) and merges the other into it, soft-deleting the absorbed
// row in the same transaction via the store's MergeMemories. If match is
// the just-inserted memory itself, this is a no-op.
func (e *Engine) ReconcileIngest(ctx context.Context, inserted *model.Memory, match *model.Memory, similarity float64, newContentOverride string) error {
	if match == nil || match.ID == inserted.ID {
		return nil
	}
	survivor, absorbed := match, inserted
	if inserted.CreatedAt.Before(match.CreatedAt) {
		survivor, absorbed = inserted, match
	}
	content := newContentOverride
	if content == "" {
		content = absorbed.Content
	}
	now := e.clock.Now()
	contributed := applyCentroidMerge(survivor, content, absorbed.IsCatalyst, similarity, now)

	if err := e.store.MergeMemories(ctx, survivor, absorbed.ID, now); err != nil {
		return err
	}
	e.metrics.IncCounter("consolidation_merges_total", nil)
	e.logger.Info("semantic duplicate merged", map[string]any{
		"memory_id": survivor.ID, "absorbed_id": absorbed.ID, "similarity": similarity, "phi_contributed": contributed,
	})
	return nil
}

// FragmentPair is one candidate pair surfaced by DetectFragmentation.
type FragmentPair struct {
	A          string
	B          string
	Similarity float64
}

// DetectFragmentation performs a bounded pairwise scan over live memories
// (capped at fragmentationScanLimit) and returns pairs whose cosine
// similarity meets or exceeds the fragmentation threshold, highest
// similarity first. This is diagnostic only; it never mutates state.
func (e *Engine) DetectFragmentation(ctx context.Context) ([]FragmentPair, error) {
	memories, err := e.store.ListAllLive(ctx, e.fragmentationScanLimit)
	if err != nil {
		return nil, err
	}
	if len(memories) > e.fragmentationScanLimit {
		memories = memories[:e.fragmentationScanLimit]
	}

	var pairs []FragmentPair
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			sim := cosine(memories[i].Embedding, memories[j].Embedding)
			if sim >= e.fragmentationThreshold {
				pairs = append(pairs, FragmentPair{A: memories[i].ID, B: memories[j].ID, Similarity: sim})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	return pairs, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
