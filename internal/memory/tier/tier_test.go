package tier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
)

func insertMemory(t *testing.T, store *memstore.Store, accessCount int64, tr model.Tier) *model.Memory {
	t.Helper()
	m := &model.Memory{
		Content:     "x",
		ContentHash: "h-" + time.Now().String(),
		Embedding:   []float32{1, 0, 0},
		Tier:        tr,
		AccessCount: accessCount,
	}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return inserted
}

func TestCheckAndPromoteActiveToThread(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 3, model.TierActive)
	e := New(store)

	promoted, err := e.CheckAndPromote(context.Background(), m, model.PromotionReasonAccessThreshold)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, model.TierThread, m.Tier)
}

func TestCheckAndPromoteNoOpBelowThreshold(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 1, model.TierActive)
	e := New(store)

	promoted, err := e.CheckAndPromote(context.Background(), m, model.PromotionReasonAccessThreshold)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, model.TierActive, m.Tier)
}

func TestCheckAndPromoteThreadToStable(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 10, model.TierThread)
	e := New(store)

	promoted, err := e.CheckAndPromote(context.Background(), m, model.PromotionReasonAccessThreshold)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, model.TierStable, m.Tier)
}

func TestCheckAndPromoteStableNeverMoves(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 1000, model.TierStable)
	e := New(store)

	promoted, err := e.CheckAndPromote(context.Background(), m, model.PromotionReasonAccessThreshold)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, model.TierStable, m.Tier)
}

func TestUpdateTierRejectsNetwork(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 1, model.TierActive)
	e := New(store)

	err := e.UpdateTier(context.Background(), m, model.TierNetwork, model.PromotionReasonManual)
	require.Error(t, err)
}

func TestUpdateTierManualOverride(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 1, model.TierActive)
	e := New(store)

	err := e.UpdateTier(context.Background(), m, model.TierStable, model.PromotionReasonManual)
	require.NoError(t, err)
	assert.Equal(t, model.TierStable, m.Tier)
}

func TestQueryPromotionOverlayUsesSeparateThresholds(t *testing.T) {
	store := memstore.New()
	m := insertMemory(t, store, 0, model.TierActive)
	e := New(store, WithThresholds(3, 10))

	promoted, err := e.QueryPromotionOverlay(context.Background(), m, 5, 5, 20)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, model.TierThread, m.Tier)
}
