package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
)

func insertMemory(t *testing.T, store *memstore.Store, content string, embedding []float32) *model.Memory {
	t.Helper()
	m := &model.Memory{
		Content:     content,
		ContentHash: "h-" + content + time.Now().String(),
		Embedding:   embedding,
		Tier:        model.TierActive,
	}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return inserted
}

func TestFindSemanticDuplicateReturnsNilBelowThreshold(t *testing.T) {
	store := memstore.New()
	insertMemory(t, store, "a", []float32{1, 0, 0})
	e := New(store)

	match, sim, err := e.FindSemanticDuplicate(context.Background(), []float32{0, 1, 0})
	require.NoError(t, err)
	assert.Nil(t, match)
	assert.Zero(t, sim)
}

func TestFindSemanticDuplicateReturnsMatchAboveThreshold(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, "a", []float32{1, 0, 0})
	e := New(store)

	match, sim, err := e.FindSemanticDuplicate(context.Background(), []float32{1, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, m.ID, match.ID)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestMergeIntoCentroidAppliesCatalystScale(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, "a", []float32{1, 0, 0})
	e := New(store)

	require.NoError(t, e.MergeIntoCentroid(context.Background(), m, "variant", true, 0.99))
	assert.InDelta(t, 1.0, m.ResonancePhi, 1e-9) // base=1.0 * scale=1.0
	require.Len(t, m.Metadata.SemanticVariants, 1)
	assert.Equal(t, "variant", m.Metadata.SemanticVariants[0].Content)
	assert.True(t, m.IsCatalyst)
	assert.Equal(t, int64(1), m.AccessCount)
}

func TestMergeIntoCentroidClampsToMaxPhi(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, "a", []float32{1, 0, 0})
	m.ResonancePhi = 4.95
	require.NoError(t, store.UpdateMemory(context.Background(), m))
	e := New(store)

	require.NoError(t, e.MergeIntoCentroid(context.Background(), m, "variant", true, 0.99))
	assert.Equal(t, model.MaxPhi, m.ResonancePhi)
}

func TestMergeIntoCentroidUsesLowerScaleBelowHighSimilarity(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, "a", []float32{1, 0, 0})
	e := New(store)

	require.NoError(t, e.MergeIntoCentroid(context.Background(), m, "variant", false, 0.96))
	assert.InDelta(t, 0.1*0.9, m.ResonancePhi, 1e-9)
}

func TestReconcileIngestMergesNewerIntoOlderAndSoftDeletesNewer(t *testing.T) {
	store := memstore.New()
	older := insertMemory(t, store, "older", []float32{1, 0, 0})
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateMemory(context.Background(), older))
	newer := insertMemory(t, store, "newer", []float32{1, 0, 0})
	e := New(store)

	require.NoError(t, e.ReconcileIngest(context.Background(), newer, older, 0.99, "newer"))

	survivor, err := store.GetMemoryByID(context.Background(), older.ID)
	require.NoError(t, err)
	require.Len(t, survivor.Metadata.SemanticVariants, 1)

	absorbed, err := store.GetMemoryByID(context.Background(), newer.ID)
	require.NoError(t, err)
	assert.NotNil(t, absorbed.DeletedAt)
}

func TestDetectFragmentationReturnsPairsAboveThresholdSortedDesc(t *testing.T) {
	store := memstore.New()
	insertMemory(t, store, "a", []float32{1, 0, 0})
	insertMemory(t, store, "b", []float32{1, 0.001, 0})
	insertMemory(t, store, "c", []float32{0, 1, 0})
	e := New(store)

	pairs, err := e.DetectFragmentation(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pairs)
	assert.GreaterOrEqual(t, pairs[0].Similarity, e.fragmentationThreshold)
}
