// Package association batches co-occurrence bookkeeping between memories,
// surfaces discovery/hub queries over the resulting graph, and weaves
// explicit synthesis edges on behalf of the Fold engine.
package association

import (
	"context"
	"math"
	"sort"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// maxBatchRows bounds UpsertAssociations calls per spec.
const maxBatchRows = 1000

// synthesisEdgeStrength is the strength assigned to a brand-new synthesis
// edge woven by WeaveSynthesisLinks.
const synthesisEdgeStrength = 2.0

// synthesisEdgeIncrement is added to an existing edge's strength each time
// WeaveSynthesisLinks re-links the same ancestor pair.
const synthesisEdgeIncrement = 1.0

// Engine mutates and queries the association graph.
type Engine struct {
	store   storage.Store
	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c ports.Clock) Option    { return func(e *Engine) { e.clock = c } }
func WithLogger(l ports.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m ports.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New builds an association Engine over store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		clock:   ports.SystemClock{},
		logger:  ports.NoopLogger{},
		metrics: ports.NoopMetrics{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// strength is the log-dampened co-occurrence strength formula from spec:
// log(1 + count + 1) / 10.
func strength(count int64) float64 {
	return math.Log(1+float64(count)+1) / 10
}

// pairKey canonically identifies an unordered pair for deduplication within
// a single RecordCoOccurrences call.
type pairKey struct{ a, b string }

// RecordCoOccurrences upserts every ordered pair drawn from ids (a<b,
// deduplicated), batching the resulting upsert in groups of at most
// maxBatchRows. This is a pure side-effect intended to be invoked
// asynchronously by callers.
func (e *Engine) RecordCoOccurrences(ctx context.Context, ids []string, convID string) error {
	if len(ids) < 2 {
		return nil
	}
	seen := map[pairKey]struct{}{}
	var pairs []model.Association
	now := e.clock.Now()

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := model.OrderedPair(ids[i], ids[j])
			if a == b {
				continue
			}
			key := pairKey{a, b}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			existing, found, err := e.store.GetAssociation(ctx, a, b)
			if err != nil {
				return err
			}
			assoc := model.Association{
				MemoryA:              a,
				MemoryB:              b,
				// CoOccurrenceCount here is the increment for this call, not
				// the new total: the store adds it to whatever is already
				// persisted (or stores it as-is for a brand-new pair).
				CoOccurrenceCount:    1,
				LastCoOccurredAt:     now,
				ConversationContexts: []string{convID},
			}
			var newTotal int64 = 1
			if found {
				newTotal = existing.CoOccurrenceCount + 1
				assoc.FirstCoOccurredAt = existing.FirstCoOccurredAt
				assoc.ConversationContexts = appendUnique(existing.ConversationContexts, convID)
				assoc.Strength = strength(newTotal)
			} else {
				assoc.FirstCoOccurredAt = now
				assoc.Strength = 1.0
			}
			pairs = append(pairs, assoc)
		}
	}

	for start := 0; start < len(pairs); start += maxBatchRows {
		end := start + maxBatchRows
		if end > len(pairs) {
			end = len(pairs)
		}
		if err := e.store.UpsertAssociations(ctx, pairs[start:end]); err != nil {
			return err
		}
	}
	e.metrics.IncCounter("associations_recorded_total", nil)
	return nil
}

func appendUnique(existing []string, v string) []string {
	for _, s := range existing {
		if s == v {
			return existing
		}
	}
	return append(existing, v)
}

// Edge is an association annotated with the neighbor memory ID from the
// perspective of the queried memory.
type Edge struct {
	model.Association
	NeighborID string
}

// Discover returns edges incident to memoryID with strength >= minStrength,
// sorted by strength desc then co-occurrence count desc, bounded to limit.
func (e *Engine) Discover(ctx context.Context, memoryID string, minStrength float64, limit int) ([]Edge, error) {
	if memoryID == "" {
		return nil, errs.New(errs.KindInvalidInput, "memoryID must not be empty")
	}
	assocs, err := e.store.ListAssociationsForMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(assocs))
	for _, a := range assocs {
		if a.Strength < minStrength {
			continue
		}
		neighbor := a.MemoryB
		if neighbor == memoryID {
			neighbor = a.MemoryA
		}
		edges = append(edges, Edge{Association: a, NeighborID: neighbor})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Strength != edges[j].Strength {
			return edges[i].Strength > edges[j].Strength
		}
		return edges[i].CoOccurrenceCount > edges[j].CoOccurrenceCount
	})
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}
	return edges, nil
}

// HubResult is a hub memory enriched with a truncated content preview, per
// spec's "basic memory attributes" requirement for FindHubs.
type HubResult struct {
	ID      string
	Content string
	Tier    model.Tier
	Phi     float64
	Degree  int
}

// contentPreviewRunes bounds how much content FindHubs surfaces per hub.
const contentPreviewRunes = 280

// FindHubs returns the top-N memories with at least minConnections live
// associations, most-connected first, annotated with basic attributes.
func (e *Engine) FindHubs(ctx context.Context, minConnections, limit int) ([]HubResult, error) {
	hubs, err := e.store.FindHubs(ctx, minConnections, limit)
	if err != nil {
		return nil, err
	}
	results := make([]HubResult, 0, len(hubs))
	for _, h := range hubs {
		results = append(results, HubResult{
			ID:      h.Memory.ID,
			Content: truncateRunes(h.Memory.Content, contentPreviewRunes),
			Tier:    h.Memory.Tier,
			Phi:     h.Memory.ResonancePhi,
			Degree:  h.Degree,
		})
	}
	return results, nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// WeaveSynthesisLinks creates or strengthens an edge between newID and each
// ancestor, used by the Fold engine to record which memories contributed to
// a synthesized one. A brand-new edge starts at synthesisEdgeStrength; an
// existing edge is incremented by synthesisEdgeIncrement rather than
// recomputed via the co-occurrence strength formula.
func (e *Engine) WeaveSynthesisLinks(ctx context.Context, newID string, ancestorIDs []string, convID string) error {
	if newID == "" {
		return errs.New(errs.KindInvalidInput, "newID must not be empty")
	}
	now := e.clock.Now()
	var pairs []model.Association
	for _, ancestorID := range ancestorIDs {
		if ancestorID == "" || ancestorID == newID {
			continue
		}
		a, b := model.OrderedPair(newID, ancestorID)
		existing, found, err := e.store.GetAssociation(ctx, a, b)
		if err != nil {
			return err
		}
		assoc := model.Association{
			MemoryA: a,
			MemoryB: b,
			// CoOccurrenceCount is the increment for this call; the store
			// adds it to any existing persisted total.
			CoOccurrenceCount: 1,
			LastCoOccurredAt:  now,
		}
		if found {
			assoc.FirstCoOccurredAt = existing.FirstCoOccurredAt
			assoc.Strength = existing.Strength + synthesisEdgeIncrement
			assoc.ConversationContexts = appendUnique(existing.ConversationContexts, convID)
		} else {
			assoc.FirstCoOccurredAt = now
			assoc.Strength = synthesisEdgeStrength
			assoc.ConversationContexts = []string{convID}
		}
		pairs = append(pairs, assoc)
	}
	if len(pairs) == 0 {
		return nil
	}
	if err := e.store.UpsertAssociations(ctx, pairs); err != nil {
		return err
	}
	e.logger.Info("synthesis links woven", map[string]any{"new_id": newID, "ancestors": len(pairs)})
	return nil
}
