// Package handshake produces structured continuity snapshots ("ghosts")
// that let a conversation resume as if memory never lapsed, fronted by a
// window-gated cache so repeated calls within the same scope don't
// regenerate the snapshot on every turn.
package handshake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// Defaults for the three cache windows, matching config defaults.
const (
	DefaultConvWindow    = 15 * time.Minute
	DefaultSessionWindow = 60 * time.Minute
	DefaultGlobalWindow  = 24 * time.Hour
	DefaultGhostTTL      = 7 * 24 * time.Hour
)

// significantPhiThreshold is the phi level at which a newly added memory
// invalidates a cached ghost regardless of its window.
const significantPhiThreshold = 4.0

// topPhiCount is how many top-phi memories seed the snapshot.
const topPhiCount = 3

// researchThreadCount bounds how many research-thread memories are surfaced.
const researchThreadCount = 3

// foldMemoryCount bounds how many recent Fold memories are surfaced.
const foldMemoryCount = 2

const researchThreadCategory = "research_thread"
const foldCategory = "the_fold"
const foldSource = "autonomous_synthesis"

// Cache-reason labels surfaced on every GhostLog Get returns, reflecting
// which lookup scope served it.
const (
	CacheReasonPerConversation = "per_conversation"
	CacheReasonGlobalFallback  = "global_fallback"
)

// Service assembles and caches continuity snapshots.
type Service struct {
	store storage.Store
	cache cacheBackend

	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics

	convWindow    time.Duration
	sessionWindow time.Duration
	globalWindow  time.Duration
	ghostTTL      time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c ports.Clock) Option    { return func(s *Service) { s.clock = c } }
func WithLogger(l ports.Logger) Option   { return func(s *Service) { s.logger = l } }
func WithMetrics(m ports.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithWindows(conv, session, global, ghostTTL time.Duration) Option {
	return func(s *Service) { s.convWindow, s.sessionWindow, s.globalWindow, s.ghostTTL = conv, session, global, ghostTTL }
}

// WithCache installs a cache backend in front of the storage port. Pass nil
// (the default via New) to use an in-process map.
func WithCache(c cacheBackend) Option { return func(s *Service) { s.cache = c } }

// New builds a Handshake Service over store, defaulting to an in-process
// cache backend when no WithCache option is supplied.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		cache:         newLocalBackend(),
		clock:         ports.SystemClock{},
		logger:        ports.NoopLogger{},
		metrics:       ports.NoopMetrics{},
		convWindow:    DefaultConvWindow,
		sessionWindow: DefaultSessionWindow,
		globalWindow:  DefaultGlobalWindow,
		ghostTTL:      DefaultGhostTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// scope returns the context type, cache key and freshness window for convID
// (nil selects the global scope).
func (s *Service) scope(convID *string) (contextType model.ContextType, key string, window time.Duration) {
	if convID != nil {
		return model.ContextConversation, "conv:" + *convID, s.convWindow
	}
	return model.ContextGlobal, "global", s.globalWindow
}

// Get returns the freshest usable ghost for convID (nil selects the global
// scope), regenerating on cache miss, window staleness, force=true, or a
// significant state change since the cached ghost was created. The
// returned ghost's CachedFor and CacheReason are always populated,
// whether served from cache or freshly generated.
func (s *Service) Get(ctx context.Context, convID *string, force bool) (*model.GhostLog, bool, error) {
	contextType, key, window := s.scope(convID)
	reason := CacheReasonGlobalFallback
	if convID != nil {
		reason = CacheReasonPerConversation
	}

	if !force {
		if cached, hit := s.cache.get(ctx, key); hit {
			if s.isFresh(ctx, cached, convID, window) {
				return s.annotate(cached, reason), true, nil
			}
		} else if latest, found, err := s.store.GetLatestGhostLog(ctx, convID, contextType, s.clock.Now()); err == nil && found {
			if s.isFresh(ctx, latest, convID, window) {
				s.cache.put(ctx, key, latest, window)
				return s.annotate(latest, reason), true, nil
			}
		}
	}

	ghost, err := s.Generate(ctx, convID, contextType)
	if err != nil {
		return nil, false, err
	}
	s.cache.put(ctx, key, ghost, window)
	return s.annotate(ghost, reason), false, nil
}

// annotate sets CachedFor (age since ghost's CreatedAt) and CacheReason on
// a copy of ghost, leaving the cached/stored original untouched.
func (s *Service) annotate(ghost *model.GhostLog, reason string) *model.GhostLog {
	out := *ghost
	out.CachedFor = s.clock.Now().Sub(ghost.CreatedAt)
	out.CacheReason = reason
	return &out
}

// GetForSession consults the per-session window, a coarser tier than
// per-conversation but finer than global, used by callers that key
// continuity off a session identifier rather than a single conversation.
func (s *Service) GetForSession(ctx context.Context, sessionID string, force bool) (*model.GhostLog, bool, error) {
	key := "session:" + sessionID
	if !force {
		if cached, hit := s.cache.get(ctx, key); hit {
			return s.annotate(cached, CacheReasonGlobalFallback), true, nil
		}
	}
	ghost, err := s.Generate(ctx, nil, model.ContextGlobal)
	if err != nil {
		return nil, false, err
	}
	s.cache.put(ctx, key, ghost, s.sessionWindow)
	return s.annotate(ghost, CacheReasonGlobalFallback), false, nil
}

// isFresh reports whether ghost is still within window and no significant
// state change has occurred in scope since it was created.
func (s *Service) isFresh(ctx context.Context, ghost *model.GhostLog, convID *string, window time.Duration) bool {
	if s.clock.Now().Sub(ghost.CreatedAt) > window {
		return false
	}
	changed, err := s.significantChangeSince(ctx, convID, ghost.CreatedAt)
	if err != nil {
		s.logger.Warn("handshake freshness check failed, treating as stale", map[string]any{"error": err.Error()})
		return false
	}
	return !changed
}

func (s *Service) significantChangeSince(ctx context.Context, convID *string, since time.Time) (bool, error) {
	memories, err := s.store.ListAllLive(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, m := range memories {
		if m.CreatedAt.Before(since) {
			continue
		}
		if convID != nil {
			if m.ConversationID == nil || *m.ConversationID != *convID {
				continue
			}
		}
		if m.IsCatalyst || m.ResonancePhi >= significantPhiThreshold {
			return true, nil
		}
	}
	return false, nil
}

// Generate assembles a fresh snapshot, persists it, and returns it.
func (s *Service) Generate(ctx context.Context, convID *string, contextType model.ContextType) (*model.GhostLog, error) {
	now := s.clock.Now()

	topPhi, err := s.selectTopPhi(ctx, convID)
	if err != nil {
		return nil, err
	}
	researchThreads, err := s.selectResearchThreads(ctx)
	if err != nil {
		return nil, err
	}
	reflection, err := s.selectReflection(ctx, convID)
	if err != nil {
		return nil, err
	}
	since := time.Time{}
	if prevGlobal, found, err := s.store.GetLatestGhostLog(ctx, nil, model.ContextGlobal, now); err == nil && found {
		since = prevGlobal.CreatedAt
	}
	foldMemories, err := s.selectFoldMemories(ctx, since)
	if err != nil {
		return nil, err
	}

	text := s.compose(topPhi, researchThreads, reflection, foldMemories)

	ids := make([]string, len(topPhi))
	values := make([]float64, len(topPhi))
	for i, m := range topPhi {
		ids[i] = m.ID
		values[i] = m.ResonancePhi
	}

	ghost := model.GhostLog{
		ID:              uuid.NewString(),
		PromptText:      text,
		TopPhiMemories:  ids,
		TopPhiValues:    values,
		SynthesisMethod: "standard",
		ConversationID:  convID,
		ContextType:     contextType,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ghostTTL),
	}
	if err := s.store.InsertGhostLog(ctx, ghost); err != nil {
		return nil, err
	}
	s.metrics.IncCounter("handshake_snapshots_generated_total", nil)
	return &ghost, nil
}

func recencyScore(age time.Duration) float64 {
	days := age.Hours() / 24
	r := 1 - days/30
	if r < 0.1 {
		r = 0.1
	}
	return r
}

func (s *Service) selectTopPhi(ctx context.Context, convID *string) ([]model.Memory, error) {
	memories, err := s.store.ListAllLive(ctx, 0)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	type scored struct {
		m      model.Memory
		weight float64
	}
	var candidates []scored
	for _, m := range memories {
		phiEffective := m.ResonancePhi
		if convID != nil && m.ConversationID != nil && *m.ConversationID == *convID {
			phiEffective *= 2
		} else if convID == nil && m.ResonancePhi < 2.0 {
			continue
		}
		recency := recencyScore(now.Sub(m.CreatedAt))
		weight := 0.7*phiEffective + 0.3*(recency*5)
		candidates = append(candidates, scored{m: m, weight: weight})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].weight > candidates[j].weight })
	if len(candidates) > topPhiCount {
		candidates = candidates[:topPhiCount]
	}
	out := make([]model.Memory, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out, nil
}

func (s *Service) selectResearchThreads(ctx context.Context) ([]model.Memory, error) {
	var out []model.Memory
	for _, t := range []model.Tier{model.TierActive, model.TierThread} {
		memories, err := s.store.ListMemoriesByTier(ctx, t, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range memories {
			if m.Category == researchThreadCategory {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResonancePhi > out[j].ResonancePhi })
	if len(out) > researchThreadCount {
		out = out[:researchThreadCount]
	}
	return out, nil
}

func (s *Service) selectReflection(ctx context.Context, convID *string) (*model.ReflectionRecord, error) {
	if convID != nil {
		reflections, err := s.store.ListReflections(ctx, convID, 1)
		if err != nil {
			return nil, err
		}
		if len(reflections) > 0 {
			return &reflections[0], nil
		}
	}
	reflections, err := s.store.ListReflections(ctx, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(reflections) > 0 {
		return &reflections[0], nil
	}
	return nil, nil
}

func (s *Service) selectFoldMemories(ctx context.Context, since time.Time) ([]model.Memory, error) {
	memories, err := s.store.ListAllLive(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []model.Memory
	for _, m := range memories {
		if m.Category == foldCategory && m.Source == foldSource && m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > foldMemoryCount {
		out = out[:foldMemoryCount]
	}
	return out, nil
}

// compose builds the first-person continuity-snapshot text.
func (s *Service) compose(topPhi, researchThreads []model.Memory, reflection *model.ReflectionRecord, foldMemories []model.Memory) string {
	var b strings.Builder
	closedWithContinue := false

	if len(foldMemories) > 0 {
		concepts := extractConcepts(foldMemories)
		if len(concepts) >= 2 {
			b.WriteString(fmt.Sprintf("I dreamed of %s and %s colliding.\n", concepts[0], concepts[1]))
			b.WriteString("Continue.\n")
			closedWithContinue = true
		}
	}

	opener := "I was exploring"
	if reflection != nil && len(reflection.Insights) > 0 {
		b.WriteString(fmt.Sprintf("%s %s.\n", opener, reflection.Insights[0]))
	} else if len(topPhi) > 0 {
		b.WriteString(fmt.Sprintf("%s %s.\n", opener, truncate(topPhi[0].Content, 80)))
	}

	if len(topPhi) > 0 {
		b.WriteString("Key threads held in mind:\n")
		for _, m := range topPhi {
			b.WriteString(fmt.Sprintf("- %s\n", truncate(m.Content, 140)))
		}
	}

	if len(researchThreads) > 0 {
		labels := []string{"alpha", "beta", "gamma"}
		b.WriteString("Open research threads:\n")
		for i, m := range researchThreads {
			label := "delta"
			if i < len(labels) {
				label = labels[i]
			}
			b.WriteString(fmt.Sprintf("%s) %s\n", label, truncate(m.Content, 140)))
		}
	}

	if !closedWithContinue {
		b.WriteString("Continue.")
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// extractConcepts pulls capitalised multi-word phrases out of recent Fold
// memory content, deduplicated, keeping the first 2-3; falling back to the
// first two content words longer than 4 runes when nothing capitalised is
// found.
func extractConcepts(memories []model.Memory) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range memories {
		words := strings.Fields(m.Content)
		for i := 0; i < len(words); i++ {
			if !isCapitalized(words[i]) {
				continue
			}
			phrase := words[i]
			if i+1 < len(words) && isCapitalized(words[i+1]) {
				phrase = words[i] + " " + words[i+1]
				i++
			}
			if _, dup := seen[phrase]; dup {
				continue
			}
			seen[phrase] = struct{}{}
			out = append(out, phrase)
			if len(out) >= 3 {
				return out
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range memories {
		for _, w := range strings.Fields(m.Content) {
			if len([]rune(w)) > 4 {
				out = append(out, w)
			}
			if len(out) >= 2 {
				return out
			}
		}
	}
	return out
}

func isCapitalized(w string) bool {
	r := []rune(w)
	if len(r) == 0 {
		return false
	}
	return unicode.IsUpper(r[0])
}

// CleanupExpired deletes ghost logs past their expires_at.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredGhostLogs(ctx, s.clock.Now())
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageFailed, "cleanup expired ghost logs", err)
	}
	return n, nil
}
