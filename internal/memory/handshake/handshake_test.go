package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func insertMemory(t *testing.T, store *memstore.Store, content string, phi float64, catalyst bool, category, source string, convID *string, createdAt time.Time) *model.Memory {
	t.Helper()
	m := &model.Memory{
		Content:        content,
		ContentHash:    "h-" + content + "-" + createdAt.String(),
		Embedding:      []float32{1, 0, 0},
		Tier:           model.TierActive,
		ResonancePhi:   phi,
		IsCatalyst:     catalyst,
		Category:       category,
		Source:         source,
		ConversationID: convID,
	}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	inserted.CreatedAt = createdAt
	require.NoError(t, store.UpdateMemory(context.Background(), inserted))
	return inserted
}

func TestGetGeneratesAndCachesGhost(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "exploring harmonic resonance in distributed caches", 3.0, false, "idea", "chat", nil, clock.now.Add(-time.Hour))

	svc := New(store, WithClock(clock))

	ghost, cached, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEmpty(t, ghost.PromptText)
	assert.Contains(t, ghost.PromptText, "Continue.")

	ghost2, cached2, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)
	assert.True(t, cached2)
	assert.Equal(t, ghost.ID, ghost2.ID)
}

func TestGetAnnotatesCachedForAndCacheReason(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "exploring harmonic resonance in distributed caches", 3.0, false, "idea", "chat", nil, clock.now.Add(-time.Hour))
	convID := "conv-1"
	svc := New(store, WithClock(clock))

	global, _, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, CacheReasonGlobalFallback, global.CacheReason)
	assert.Equal(t, time.Duration(0), global.CachedFor)

	clock.now = clock.now.Add(time.Minute)
	conv, _, err := svc.Get(context.Background(), &convID, false)
	require.NoError(t, err)
	assert.Equal(t, CacheReasonPerConversation, conv.CacheReason)

	clock.now = clock.now.Add(time.Minute)
	cached, hit, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, CacheReasonGlobalFallback, cached.CacheReason)
	assert.Equal(t, 2*time.Minute, cached.CachedFor)
}

func TestGetForceBypassesCache(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "exploring harmonic resonance in distributed caches", 3.0, false, "idea", "chat", nil, clock.now.Add(-time.Hour))
	svc := New(store, WithClock(clock))

	first, _, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)

	second, cached, err := svc.Get(context.Background(), nil, true)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetBecomesStaleAfterWindowElapses(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "exploring harmonic resonance in distributed caches", 3.0, false, "idea", "chat", nil, clock.now.Add(-time.Hour))
	svc := New(store, WithClock(clock), WithWindows(15*time.Minute, time.Hour, 24*time.Hour, 7*24*time.Hour))

	first, _, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)

	clock.now = clock.now.Add(25 * time.Hour)
	second, cached, err := svc.Get(context.Background(), nil, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetInvalidatesOnSignificantStateChange(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	convID := "conv-1"
	insertMemory(t, store, "background idea about resonance", 1.0, false, "idea", "chat", &convID, clock.now.Add(-time.Minute))
	svc := New(store, WithClock(clock))

	first, _, err := svc.Get(context.Background(), &convID, false)
	require.NoError(t, err)

	insertMemory(t, store, "a catalytic breakthrough just landed", 4.5, true, "idea", "chat", &convID, clock.now)

	second, cached, err := svc.Get(context.Background(), &convID, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGenerateSelectsTopPhiMemoriesBoostedByConversation(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	convID := "conv-1"
	insertMemory(t, store, "in-conversation memory with modest phi", 1.0, false, "idea", "chat", &convID, clock.now.Add(-time.Minute))
	insertMemory(t, store, "global memory with high phi", 3.0, false, "idea", "chat", nil, clock.now.Add(-time.Minute))
	svc := New(store, WithClock(clock))

	ghost, err := svc.Generate(context.Background(), &convID, model.ContextConversation)
	require.NoError(t, err)
	require.NotEmpty(t, ghost.TopPhiMemories)
	assert.Equal(t, model.ContextConversation, ghost.ContextType)
}

func TestGenerateComposesDreamOpenerFromFoldMemories(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "Resonance Cascades met Quantum Gardens in a synthesis", 2.0, false, "the_fold", "autonomous_synthesis", nil, clock.now.Add(-time.Minute))
	svc := New(store, WithClock(clock))

	ghost, err := svc.Generate(context.Background(), nil, model.ContextGlobal)
	require.NoError(t, err)
	assert.Contains(t, ghost.PromptText, "I dreamed of")
}

func TestGenerateIncludesResearchThreadMemories(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "ongoing investigation into phi drift", 2.0, false, researchThreadCategory, "chat", nil, clock.now.Add(-time.Minute))
	svc := New(store, WithClock(clock))

	ghost, err := svc.Generate(context.Background(), nil, model.ContextGlobal)
	require.NoError(t, err)
	assert.Contains(t, ghost.PromptText, "Open research threads")
}

func TestGetForSessionUsesSessionWindow(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	insertMemory(t, store, "session scoped background memory", 2.0, false, "idea", "chat", nil, clock.now.Add(-time.Minute))
	svc := New(store, WithClock(clock))

	first, cached, err := svc.GetForSession(context.Background(), "sess-1", false)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached2, err := svc.GetForSession(context.Background(), "sess-1", false)
	require.NoError(t, err)
	assert.True(t, cached2)
	assert.Equal(t, first.ID, second.ID)
}

func TestCleanupExpiredRemovesExpiredGhosts(t *testing.T) {
	store := memstore.New()
	clock := &fakeClock{now: time.Now()}
	svc := New(store, WithClock(clock), WithWindows(15*time.Minute, time.Hour, 24*time.Hour, time.Hour))

	_, _, err := svc.Get(context.Background(), nil, true)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Hour)
	n, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLocalCacheBackendExpiresAfterTTL(t *testing.T) {
	b := newLocalBackend()
	ghost := &model.GhostLog{ID: "g1"}
	b.put(context.Background(), "k", ghost, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, hit := b.get(context.Background(), "k")
	assert.False(t, hit)
}

func TestExtractConceptsPrefersCapitalizedPhrases(t *testing.T) {
	memories := []model.Memory{{Content: "Resonance Cascades met Quantum Gardens yesterday"}}
	concepts := extractConcepts(memories)
	require.GreaterOrEqual(t, len(concepts), 2)
	assert.Equal(t, "Resonance Cascades", concepts[0])
}
