package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/association"
	"github.com/jcbbge/anima/internal/memory/consolidation"
	"github.com/jcbbge/anima/internal/memory/embedding"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/resonance"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
	"github.com/jcbbge/anima/internal/memory/tier"
)

type fakeEmbedProvider struct {
	vec []float32
}

func (f *fakeEmbedProvider) Name() string { return "fake" }
func (f *fakeEmbedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func newTestService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	vec := make([]float32, model.Dimension)
	vec[0] = 1
	store := memstore.New()
	embed := embedding.New(nil, &fakeEmbedProvider{vec: vec}, nil, ports.NoopLogger{}, ports.NoopMetrics{})
	res := resonance.New(store)
	tr := tier.New(store)
	assoc := association.New(store)
	cons := consolidation.New(store)
	svc := New(store, embed, res, tr, assoc, cons)
	return svc, store
}

func TestAddInsertsNewMemory(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Add(context.Background(), "hello world", "note", nil, "test", false)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, model.TierActive, res.Memory.Tier)
	assert.Equal(t, 0.0, res.Memory.ResonancePhi)
}

func TestAddSetsCatalystPhi(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Add(context.Background(), "hello world", "note", nil, "test", true)
	require.NoError(t, err)
	assert.True(t, res.IsCatalyst)
	assert.Equal(t, 1.0, res.Memory.ResonancePhi)
}

func TestAddDedupesExactContentHash(t *testing.T) {
	svc, _ := newTestService(t)
	first, err := svc.Add(context.Background(), "hello world", "note", nil, "test", false)
	require.NoError(t, err)

	second, err := svc.Add(context.Background(), "hello world", "note", nil, "test", false)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.True(t, second.ExactMatch)
	assert.Equal(t, first.Memory.ID, second.Memory.ID)
	assert.Equal(t, int64(1), second.Memory.AccessCount)
}

func TestAddRejectsEmptyContent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), "", "note", nil, "test", false)
	require.Error(t, err)
}

func TestQueryGatesOnSimilarityThreshold(t *testing.T) {
	svc, store := newTestService(t)

	far := make([]float32, model.Dimension)
	far[1] = 1
	m := &model.Memory{Content: "far", ContentHash: "far-hash", Embedding: far, Tier: model.TierActive}
	_, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)

	res, err := svc.Query(context.Background(), "hello world", 10, 0.9, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Memories)
}

func TestQueryBumpsPhiAndAccessCount(t *testing.T) {
	svc, store := newTestService(t)

	near := make([]float32, model.Dimension)
	near[0] = 1
	m := &model.Memory{Content: "near", ContentHash: "near-hash", Embedding: near, Tier: model.TierActive}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)

	res, err := svc.Query(context.Background(), "hello world", 10, 0.5, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, inserted.ID, res.Memories[0].Memory.ID)
	assert.InDelta(t, queryPhiBoost, res.Memories[0].Memory.ResonancePhi, 1e-9)
	assert.Equal(t, int64(1), res.Memories[0].Memory.AccessCount)
}

func TestQueryPromotesAcrossOverlayThreshold(t *testing.T) {
	svc, store := newTestService(t)

	near := make([]float32, model.Dimension)
	near[0] = 1
	m := &model.Memory{Content: "near", ContentHash: "near-hash", Embedding: near, Tier: model.TierActive, AccessCount: 4}
	_, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)

	res, err := svc.Query(context.Background(), "hello world", 10, 0.5, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Promotions, 1)
}

func TestBootstrapIsReadOnly(t *testing.T) {
	svc, store := newTestService(t)
	m := &model.Memory{Content: "x", ContentHash: "x-hash", Embedding: []float32{1}, Tier: model.TierActive, AccessCount: 2}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)

	res, err := svc.Bootstrap(context.Background(), nil, 50, true, true, true)
	require.NoError(t, err)
	require.Len(t, res.Active, 1)
	assert.Equal(t, int64(2), res.Active[0].AccessCount)

	again, err := store.GetMemoryByID(context.Background(), inserted.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.AccessCount, "bootstrap must not mutate access state")
}

func TestBootstrapSplitsRemainingBudgetAcrossThreadAndStable(t *testing.T) {
	svc, store := newTestService(t)
	for i := 0; i < 5; i++ {
		_, _, err := store.InsertMemory(context.Background(), &model.Memory{
			Content: "thread", ContentHash: "thread-hash-" + string(rune('a'+i)),
			Embedding: []float32{1}, Tier: model.TierThread,
		})
		require.NoError(t, err)
	}

	res, err := svc.Bootstrap(context.Background(), nil, 10, true, true, true)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Thread), 7)
}
