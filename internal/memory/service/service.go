// Package service orchestrates the memory lifecycle: ingest (dedup +
// embed + insert), retrieval (similarity search + structural reweighing +
// access bookkeeping + query-time promotion overlay), and the read-only
// Bootstrap snapshot used to seed a new conversation.
package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jcbbge/anima/internal/memory/association"
	"github.com/jcbbge/anima/internal/memory/consolidation"
	"github.com/jcbbge/anima/internal/memory/embedding"
	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/resonance"
	"github.com/jcbbge/anima/internal/memory/storage"
	"github.com/jcbbge/anima/internal/memory/supervisor"
	"github.com/jcbbge/anima/internal/memory/tier"
)

// queryPhiBoost is the phi increment Query applies to every surfaced
// result, distinct from resonance.AccessBoost (which covers single-memory
// access paths outside retrieval).
const queryPhiBoost = 0.1

// DefaultSimilarityThreshold gates which candidates Query considers at all.
const DefaultSimilarityThreshold = 0.5

// DefaultQueryLimit is used when callers don't specify one.
const DefaultQueryLimit = 20

// DefaultBootstrapLimit is used when callers don't specify one.
const DefaultBootstrapLimit = 50

// candidateOverfetch multiplies limit when pulling raw similarity
// candidates from the store, since the store only ranks by cosine
// similarity and Query must re-rank by structural weight.
const candidateOverfetch = 4

// HandshakeProvider is the narrow slice of the Handshake Service that
// Bootstrap depends on. Defined locally (rather than imported) so this
// package has no compile-time dependency on internal/memory/handshake.
type HandshakeProvider interface {
	Get(ctx context.Context, convID *string, force bool) (*model.GhostLog, bool, error)
}

// Service is the Memory Service: the orchestrator every external
// interface (API, CLI, future transports) calls into.
type Service struct {
	store         storage.Store
	embed         *embedding.Port
	resonance     *resonance.Engine
	tier          *tier.Engine
	association   *association.Engine
	consolidation *consolidation.Engine
	supervisor    *supervisor.Supervisor
	handshake     HandshakeProvider

	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics

	similarityThreshold    float64
	queryPromotionActive   int64
	queryPromotionThread   int64
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c ports.Clock) Option       { return func(s *Service) { s.clock = c } }
func WithLogger(l ports.Logger) Option     { return func(s *Service) { s.logger = l } }
func WithMetrics(m ports.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithSupervisor(sv *supervisor.Supervisor) Option {
	return func(s *Service) { s.supervisor = sv }
}
func WithHandshake(h HandshakeProvider) Option { return func(s *Service) { s.handshake = h } }
func WithSimilarityThreshold(v float64) Option {
	return func(s *Service) { s.similarityThreshold = v }
}
func WithQueryPromotionThresholds(active, thread int64) Option {
	return func(s *Service) { s.queryPromotionActive, s.queryPromotionThread = active, thread }
}

// New builds a Memory Service wiring the given storage port and the
// engines layered on top of it.
func New(
	store storage.Store,
	embed *embedding.Port,
	resonanceEngine *resonance.Engine,
	tierEngine *tier.Engine,
	associationEngine *association.Engine,
	consolidationEngine *consolidation.Engine,
	opts ...Option,
) *Service {
	s := &Service{
		store:                store,
		embed:                embed,
		resonance:            resonanceEngine,
		tier:                 tierEngine,
		association:          associationEngine,
		consolidation:        consolidationEngine,
		clock:                ports.SystemClock{},
		logger:               ports.NoopLogger{},
		metrics:              ports.NoopMetrics{},
		similarityThreshold:  DefaultSimilarityThreshold,
		queryPromotionActive: 5,
		queryPromotionThread: 20,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddResult is the outcome of Add.
type AddResult struct {
	Memory      *model.Memory
	IsDuplicate bool
	ExactMatch  bool
	IsCatalyst  bool
}

// Add ingests content, deduplicating by exact content hash and triggering
// asynchronous semantic consolidation and catalyst detection for new rows.
func (s *Service) Add(ctx context.Context, content, category string, tags []string, source string, isCatalyst bool) (*AddResult, error) {
	if content == "" {
		return nil, errs.New(errs.KindInvalidInput, "content must not be empty")
	}
	if len([]rune(content)) > model.MaxContentRunes {
		return nil, errs.New(errs.KindInvalidInput, "content exceeds maximum length")
	}

	hash := embedding.ContentHash(content)
	now := s.clock.Now()

	if existing, err := s.store.GetMemoryByContentHash(ctx, hash); err == nil && existing.Live() {
		updated, err := s.store.RecordAccess(ctx, existing.ID, nil, now)
		if err != nil {
			return nil, err
		}
		return &AddResult{Memory: updated, IsDuplicate: true, ExactMatch: true, IsCatalyst: updated.IsCatalyst}, nil
	} else if err != nil && !errs.Is(err, errs.KindMemoryNotFound) {
		return nil, err
	}

	result, err := s.embed.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	phi := 0.0
	if isCatalyst {
		phi = 1.0
	}
	m := &model.Memory{
		Content:             content,
		ContentHash:         hash,
		Embedding:           result.Vector,
		Tier:                model.TierActive,
		TierLastUpdated:     now,
		AccessCount:         0,
		LastAccessed:        now,
		ResonancePhi:        phi,
		IsCatalyst:          isCatalyst,
		Category:            category,
		Tags:                tags,
		Source:              source,
		EmbeddingProvenance: result.Provenance,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	inserted, created, err := s.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, err
	}
	if !created {
		updated, err := s.store.RecordAccess(ctx, inserted.ID, nil, now)
		if err != nil {
			return nil, err
		}
		return &AddResult{Memory: updated, IsDuplicate: true, ExactMatch: true, IsCatalyst: updated.IsCatalyst}, nil
	}

	s.scheduleIngestFollowup(inserted)
	s.metrics.IncCounter("memories_added_total", nil)
	return &AddResult{Memory: inserted, IsDuplicate: false, IsCatalyst: inserted.IsCatalyst}, nil
}

// scheduleIngestFollowup submits the two async post-ingest tasks spec.md
// §4.7 calls for: semantic consolidation against the new embedding, and
// (when the memory wasn't already flagged a catalyst) catalyst-potential
// detection.
func (s *Service) scheduleIngestFollowup(m *model.Memory) {
	if s.supervisor == nil {
		return
	}
	inserted := *m
	s.supervisor.Submit(func(ctx context.Context) error {
		match, sim, err := s.consolidation.FindSemanticDuplicate(ctx, inserted.Embedding)
		if err != nil {
			return err
		}
		if match == nil || match.ID == inserted.ID {
			return nil
		}
		return s.consolidation.ReconcileIngest(ctx, &inserted, match, sim, "")
	})
	if !inserted.IsCatalyst {
		s.supervisor.Submit(func(ctx context.Context) error {
			current, err := s.store.GetMemoryByID(ctx, inserted.ID)
			if err != nil {
				return err
			}
			_, _, err = s.resonance.DetectPotentialCatalyst(ctx, current)
			return err
		})
	}
}

// QueryResult is the outcome of Query.
type QueryResult struct {
	Memories   []storage.ScoredMemory
	QueryTime  time.Duration
	Promotions []string
}

// Query embeds text, ranks live candidates by structural weight
// (0.7*cos_sim + 0.3*(phi/5)) gated on raw cosine similarity, applies
// access bookkeeping to every surfaced result, runs the stricter
// query-time promotion overlay, and (when conv_id is set and more than one
// result is returned) asynchronously records pairwise co-occurrences.
func (s *Service) Query(ctx context.Context, text string, limit int, similarityThreshold float64, tiers []model.Tier, convID *string) (*QueryResult, error) {
	if text == "" {
		return nil, errs.New(errs.KindInvalidInput, "text must not be empty")
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if similarityThreshold <= 0 {
		similarityThreshold = s.similarityThreshold
	}
	start := s.clock.Now()

	result, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.QueryByEmbedding(ctx, result.Vector, limit*candidateOverfetch, tiers)
	if err != nil {
		return nil, err
	}

	winners := make([]storage.ScoredMemory, 0, limit)
	for _, c := range candidates {
		if c.Similarity < similarityThreshold {
			continue
		}
		winners = append(winners, c)
	}
	sort.Slice(winners, func(i, j int) bool {
		wi := structuralWeight(winners[i].Similarity, winners[i].Memory.ResonancePhi)
		wj := structuralWeight(winners[j].Similarity, winners[j].Memory.ResonancePhi)
		if wi != wj {
			return wi > wj
		}
		return winners[i].Memory.ResonancePhi > winners[j].Memory.ResonancePhi
	})
	if len(winners) > limit {
		winners = winners[:limit]
	}

	now := s.clock.Now()
	var promotions []string
	ids := make([]string, 0, len(winners))
	for i := range winners {
		m := &winners[i].Memory
		ids = append(ids, m.ID)

		updated, err := s.store.RecordAccess(ctx, m.ID, convID, now)
		if err != nil {
			return nil, err
		}
		*m = *updated
		if err := s.resonance.Adjust(ctx, m, queryPhiBoost); err != nil {
			return nil, err
		}

		promoted, err := s.tier.CheckAndPromote(ctx, m, model.PromotionReasonAccessThreshold)
		if err != nil {
			return nil, err
		}
		if !promoted {
			promoted, err = s.tier.QueryPromotionOverlay(ctx, m, m.AccessCount, s.queryPromotionActive, s.queryPromotionThread)
			if err != nil {
				return nil, err
			}
		}
		if promoted {
			promotions = append(promotions, m.ID)
		}
	}

	if convID != nil && len(ids) > 1 && s.supervisor != nil {
		convCopy := *convID
		idsCopy := append([]string(nil), ids...)
		s.supervisor.Submit(func(ctx context.Context) error {
			return s.association.RecordCoOccurrences(ctx, idsCopy, convCopy)
		})
	}

	s.metrics.ObserveHistogram("query_latency_seconds", s.clock.Now().Sub(start).Seconds(), nil)
	return &QueryResult{Memories: winners, QueryTime: s.clock.Now().Sub(start), Promotions: promotions}, nil
}

func structuralWeight(cosSim, phi float64) float64 {
	return 0.7*cosSim + 0.3*(phi/model.MaxPhi)
}

// BootstrapResult is the outcome of Bootstrap.
type BootstrapResult struct {
	Active       []model.Memory
	Thread       []model.Memory
	Stable       []model.Memory
	Distribution map[string]int
	Ghost        *model.GhostLog
}

// Bootstrap returns a read-only snapshot used to seed a new conversation:
// all active memories, a 70/30 split of the remaining budget between
// thread and stable tiers, and (best-effort) a continuity snapshot from
// the Handshake Service. Bootstrap never mutates access state.
func (s *Service) Bootstrap(ctx context.Context, convID *string, limit int, includeActive, includeThread, includeStable bool) (*BootstrapResult, error) {
	if limit <= 0 {
		limit = DefaultBootstrapLimit
	}

	result := &BootstrapResult{Distribution: map[string]int{}}

	if includeActive {
		active, err := s.store.ListMemoriesByTier(ctx, model.TierActive, 0)
		if err != nil {
			return nil, err
		}
		sort.Slice(active, func(i, j int) bool { return active[i].LastAccessed.After(active[j].LastAccessed) })
		result.Active = active
	}
	result.Distribution["active"] = len(result.Active)

	remaining := limit - len(result.Active)
	if remaining < 0 {
		remaining = 0
	}
	threadLimit := int(math.Ceil(0.7 * float64(remaining)))
	stableLimit := int(math.Floor(0.3 * float64(remaining)))

	if includeThread {
		thread, err := s.store.ListMemoriesByTier(ctx, model.TierThread, 0)
		if err != nil {
			return nil, err
		}
		sortByPhiThenAccess(thread)
		if len(thread) > threadLimit {
			thread = thread[:threadLimit]
		}
		result.Thread = thread
	}
	result.Distribution["thread"] = len(result.Thread)

	if includeStable {
		stable, err := s.store.ListMemoriesByTier(ctx, model.TierStable, 0)
		if err != nil {
			return nil, err
		}
		sortByPhiThenAccess(stable)
		if len(stable) > stableLimit {
			stable = stable[:stableLimit]
		}
		result.Stable = stable
	}
	result.Distribution["stable"] = len(result.Stable)

	if s.handshake != nil {
		ghost, _, err := s.handshake.Get(ctx, convID, false)
		if err != nil {
			s.logger.Warn("handshake snapshot unavailable, continuing without it", map[string]any{"error": err.Error()})
		} else {
			result.Ghost = ghost
		}
	}

	return result, nil
}

func sortByPhiThenAccess(memories []model.Memory) {
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].ResonancePhi != memories[j].ResonancePhi {
			return memories[i].ResonancePhi > memories[j].ResonancePhi
		}
		if memories[i].AccessCount != memories[j].AccessCount {
			return memories[i].AccessCount > memories[j].AccessCount
		}
		return memories[i].LastAccessed.After(memories[j].LastAccessed)
	})
}

// UpdateTier manually overrides a memory's tier (external interface
// exposed per spec.md §6).
func (s *Service) UpdateTier(ctx context.Context, memoryID string, to model.Tier) error {
	m, err := s.store.GetMemoryByID(ctx, memoryID)
	if err != nil {
		return err
	}
	return s.tier.UpdateTier(ctx, m, to, model.PromotionReasonManual)
}

// DiscoverAssociations exposes the Association Engine's Discover for
// external callers.
func (s *Service) DiscoverAssociations(ctx context.Context, memoryID string, minStrength float64, limit int) ([]association.Edge, error) {
	return s.association.Discover(ctx, memoryID, minStrength, limit)
}

// FindHubs exposes the Association Engine's FindHubs for external callers.
func (s *Service) FindHubs(ctx context.Context, minConnections, limit int) ([]association.HubResult, error) {
	return s.association.FindHubs(ctx, minConnections, limit)
}
