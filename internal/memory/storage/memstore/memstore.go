// Package memstore is an in-memory implementation of storage.Store used by
// every engine's test suite, so no live Postgres instance is required. It
// is grounded on the teacher's in-memory vector store
// (internal/persistence/databases/memory_vector.go): a mutex-guarded map
// plus a linear cosine-similarity scan.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// Store is a sync.RWMutex-guarded, map-backed storage.Store.
type Store struct {
	mu sync.RWMutex

	memories     map[string]*model.Memory
	byHash       map[string]string // content hash -> memory id
	associations map[string]*model.Association // "a|b" -> association
	ghosts       map[string]*model.GhostLog
	accessLog    []model.AccessLogEntry
	reflections  []model.ReflectionRecord
	config       map[string]string
}

var _ storage.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		memories:     make(map[string]*model.Memory),
		byHash:       make(map[string]string),
		associations: make(map[string]*model.Association),
		ghosts:       make(map[string]*model.GhostLog),
		config:       make(map[string]string),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func clone(m *model.Memory) *model.Memory {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Embedding = append([]float32(nil), m.Embedding...)
	cp.Tags = append([]string(nil), m.Tags...)
	cp.AccessedInConversationIDs = append([]string(nil), m.AccessedInConversationIDs...)
	cp.Metadata.SemanticVariants = append([]model.SemanticVariant(nil), m.Metadata.SemanticVariants...)
	cp.Metadata.EvolutionHistory = append([]model.EvolutionEntry(nil), m.Metadata.EvolutionHistory...)
	return &cp
}

func (s *Store) InsertMemory(ctx context.Context, m *model.Memory) (*model.Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[m.ContentHash]; ok {
		if existing, ok := s.memories[id]; ok && existing.Live() {
			return clone(existing), false, nil
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.CreatedAt, m.UpdatedAt = now, now
	s.memories[m.ID] = clone(m)
	s.byHash[m.ContentHash] = m.ID
	return clone(m), true, nil
}

func (s *Store) GetMemoryByID(ctx context.Context, id string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, errs.ErrMemoryNotFound
	}
	return clone(m), nil
}

func (s *Store) GetMemoryByContentHash(ctx context.Context, hash string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, errs.ErrMemoryNotFound
	}
	return clone(s.memories[id]), nil
}

func (s *Store) UpdateMemory(ctx context.Context, m *model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; !ok {
		return errs.ErrMemoryNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	s.memories[m.ID] = clone(m)
	return nil
}

func (s *Store) SoftDeleteMemory(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return errs.ErrMemoryNotFound
	}
	t := at
	m.DeletedAt = &t
	m.UpdatedAt = at
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, an, bn float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		an += float64(x) * float64(x)
	}
	for _, x := range b {
		bn += float64(x) * float64(x)
	}
	if an == 0 || bn == 0 {
		return 0
	}
	return dot / (math.Sqrt(an) * math.Sqrt(bn))
}

func tierAllowed(tier model.Tier, tiers []model.Tier) bool {
	if len(tiers) == 0 {
		return true
	}
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func (s *Store) QueryByEmbedding(ctx context.Context, vector []float32, topK int, tiers []model.Tier) ([]storage.ScoredMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 {
		topK = 10
	}
	out := make([]storage.ScoredMemory, 0, len(s.memories))
	for _, m := range s.memories {
		if !m.Live() || !tierAllowed(m.Tier, tiers) {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: *clone(m), Similarity: cosine(vector, m.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) RecordAccess(ctx context.Context, memoryID string, conversationID *string, at time.Time) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return nil, errs.ErrMemoryNotFound
	}
	m.AccessCount++
	m.LastAccessed = at
	m.UpdatedAt = at
	if conversationID != nil {
		found := false
		for _, c := range m.AccessedInConversationIDs {
			if c == *conversationID {
				found = true
				break
			}
		}
		if !found {
			m.AccessedInConversationIDs = append(m.AccessedInConversationIDs, *conversationID)
		}
	}
	s.accessLog = append(s.accessLog, model.AccessLogEntry{MemoryID: memoryID, AccessedAt: at})
	return clone(m), nil
}

func assocKey(a, b string) string {
	a, b = model.OrderedPair(a, b)
	return a + "|" + b
}

func (s *Store) UpsertAssociations(ctx context.Context, assocs []model.Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assocs {
		lo, hi := model.OrderedPair(a.MemoryA, a.MemoryB)
		key := lo + "|" + hi
		if existing, ok := s.associations[key]; ok {
			existing.CoOccurrenceCount += a.CoOccurrenceCount
			if a.LastCoOccurredAt.After(existing.LastCoOccurredAt) {
				existing.LastCoOccurredAt = a.LastCoOccurredAt
			}
			existing.Strength = a.Strength
			existing.ConversationContexts = mergeUnique(existing.ConversationContexts, a.ConversationContexts)
			continue
		}
		cp := a
		cp.MemoryA, cp.MemoryB = lo, hi
		s.associations[key] = &cp
	}
	return nil
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	for _, a := range add {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}

func (s *Store) GetAssociation(ctx context.Context, a, b string) (*model.Association, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assoc, ok := s.associations[assocKey(a, b)]
	if !ok {
		return nil, false, nil
	}
	cp := *assoc
	return &cp, true, nil
}

func (s *Store) ListAssociationsForMemory(ctx context.Context, memoryID string) ([]model.Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Association
	for _, a := range s.associations {
		if a.MemoryA == memoryID || a.MemoryB == memoryID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) FindHubs(ctx context.Context, minDegree, limit int) ([]storage.Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	degree := make(map[string]int)
	for _, a := range s.associations {
		ma, oka := s.memories[a.MemoryA]
		mb, okb := s.memories[a.MemoryB]
		if !oka || !ma.Live() || !okb || !mb.Live() {
			continue
		}
		degree[a.MemoryA]++
		degree[a.MemoryB]++
	}
	out := make([]storage.Hub, 0, len(degree))
	for id, d := range degree {
		if d < minDegree {
			continue
		}
		out = append(out, storage.Hub{Memory: *clone(s.memories[id]), Degree: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Degree > out[j].Degree })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// txAdapter lets WithTx's callback reuse the Store's own (non-atomic, but
// serialized under the same mutex) mutation methods in process.
type txAdapter struct{ s *Store }

func (t txAdapter) UpdateMemory(ctx context.Context, m *model.Memory) error {
	if _, ok := t.s.memories[m.ID]; !ok {
		return errs.ErrMemoryNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	t.s.memories[m.ID] = clone(m)
	return nil
}

func (t txAdapter) SoftDeleteMemory(ctx context.Context, id string, at time.Time) error {
	m, ok := t.s.memories[id]
	if !ok {
		return errs.ErrMemoryNotFound
	}
	tt := at
	m.DeletedAt = &tt
	m.UpdatedAt = at
	return nil
}

func (t txAdapter) InsertTierPromotion(ctx context.Context, p model.TierPromotion) error {
	return nil // audit-only; memstore doesn't keep a promotions table
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, txAdapter{s: s})
}

func (s *Store) InsertGhostLog(ctx context.Context, g model.GhostLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	s.ghosts[g.ID] = &g
	return nil
}

func (s *Store) GetGhostLog(ctx context.Context, id string) (*model.GhostLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.ghosts[id]
	if !ok {
		return nil, errs.ErrCacheMiss
	}
	cp := *g
	return &cp, nil
}

func (s *Store) GetLatestGhostLog(ctx context.Context, convID *string, contextType model.ContextType, now time.Time) (*model.GhostLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.GhostLog
	for _, g := range s.ghosts {
		if g.ContextType != contextType {
			continue
		}
		if g.ExpiresAt.Before(now) {
			continue
		}
		if convID != nil {
			if g.ConversationID == nil || *g.ConversationID != *convID {
				continue
			}
		} else if g.ConversationID != nil {
			continue
		}
		if best == nil || g.CreatedAt.After(best.CreatedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

func (s *Store) DeleteExpiredGhostLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, g := range s.ghosts {
		if g.ExpiresAt.Before(before) {
			delete(s.ghosts, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertAccessLogEntries(ctx context.Context, entries []model.AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessLog = append(s.accessLog, entries...)
	return nil
}

func (s *Store) RecentAccessLog(ctx context.Context, since time.Time) ([]model.AccessLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AccessLogEntry
	for _, e := range s.accessLog {
		if e.AccessedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) PruneAccessLog(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.accessLog[:0]
	var pruned int64
	for _, e := range s.accessLog {
		if e.AccessedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.accessLog = kept
	return pruned, nil
}

func (s *Store) ListCatalysts(ctx context.Context, limit int) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Memory
	for _, m := range s.memories {
		if m.Live() && m.IsCatalyst {
			out = append(out, *clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResonancePhi > out[j].ResonancePhi })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListMemoriesByTier(ctx context.Context, tier model.Tier, limit int) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Memory
	for _, m := range s.memories {
		if m.Live() && m.Tier == tier {
			out = append(out, *clone(m))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListAllLive(ctx context.Context, limit int) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Memory
	for _, m := range s.memories {
		if m.Live() {
			out = append(out, *clone(m))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertReflection(ctx context.Context, r model.ReflectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.reflections = append(s.reflections, r)
	return nil
}

func (s *Store) ListReflections(ctx context.Context, convID *string, limit int) ([]model.ReflectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ReflectionRecord
	for i := len(s.reflections) - 1; i >= 0; i-- {
		r := s.reflections[i]
		if convID != nil {
			if r.ConversationID == nil || *r.ConversationID != *convID {
				continue
			}
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetConfigEntry(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *Store) SetConfigEntry(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *Store) MergeMemories(ctx context.Context, survivor *model.Memory, absorbedID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[survivor.ID]; !ok {
		return errs.ErrMemoryNotFound
	}
	absorbed, ok := s.memories[absorbedID]
	if !ok {
		return errs.ErrMemoryNotFound
	}
	survivor.UpdatedAt = at
	s.memories[survivor.ID] = clone(survivor)
	t := at
	absorbed.DeletedAt = &t
	absorbed.UpdatedAt = at
	return nil
}

func (s *Store) Close() {}
