package association

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
)

func insertMemory(t *testing.T, store *memstore.Store, content string) *model.Memory {
	t.Helper()
	m := &model.Memory{
		Content:     content,
		ContentHash: "h-" + content + time.Now().String(),
		Embedding:   []float32{1, 0, 0},
		Tier:        model.TierActive,
	}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return inserted
}

func TestRecordCoOccurrencesInsertsNewEdgeWithUnitStrength(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "a")
	b := insertMemory(t, store, "b")
	e := New(store)

	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID}, "conv-1"))

	assoc, found, err := store.GetAssociation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), assoc.CoOccurrenceCount)
	assert.Equal(t, 1.0, assoc.Strength)
	assert.Equal(t, []string{"conv-1"}, assoc.ConversationContexts)
}

func TestRecordCoOccurrencesIncrementsAndRecomputesStrength(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "a")
	b := insertMemory(t, store, "b")
	e := New(store)

	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID}, "conv-1"))
	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID}, "conv-2"))

	assoc, found, err := store.GetAssociation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), assoc.CoOccurrenceCount)
	assert.InDelta(t, strength(2), assoc.Strength, 1e-9)
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, assoc.ConversationContexts)
}

func TestRecordCoOccurrencesDedupesPairsWithinOneCall(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "a")
	b := insertMemory(t, store, "b")
	e := New(store)

	// Duplicate id in the list should not double-count the pair.
	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID, a.ID, b.ID}, "conv-1"))

	assoc, found, err := store.GetAssociation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), assoc.CoOccurrenceCount)
}

func TestDiscoverFiltersByMinStrengthAndSorts(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "a")
	b := insertMemory(t, store, "b")
	c := insertMemory(t, store, "c")
	e := New(store)

	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID}, "conv-1"))
	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, c.ID}, "conv-1"))
	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, c.ID}, "conv-2"))

	edges, err := e.Discover(context.Background(), a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, b.ID, edges[0].NeighborID, "(a,b) keeps its new-edge strength 1.0, above (a,c)'s recomputed ln(4)/10")
}

func TestFindHubsReturnsBasicAttributes(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "hub")
	b := insertMemory(t, store, "b")
	c := insertMemory(t, store, "c")
	e := New(store)

	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, b.ID}, "conv-1"))
	require.NoError(t, e.RecordCoOccurrences(context.Background(), []string{a.ID, c.ID}, "conv-1"))

	hubs, err := e.FindHubs(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, hubs, 1)
	assert.Equal(t, a.ID, hubs[0].ID)
	assert.Equal(t, "hub", hubs[0].Content)
	assert.Equal(t, 2, hubs[0].Degree)
}

func TestWeaveSynthesisLinksCreatesNewEdgeAtFixedStrength(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "new")
	b := insertMemory(t, store, "ancestor")
	e := New(store)

	require.NoError(t, e.WeaveSynthesisLinks(context.Background(), a.ID, []string{b.ID}, "conv-1"))

	assoc, found, err := store.GetAssociation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, synthesisEdgeStrength, assoc.Strength)
}

func TestWeaveSynthesisLinksIncrementsExistingEdge(t *testing.T) {
	store := memstore.New()
	a := insertMemory(t, store, "new")
	b := insertMemory(t, store, "ancestor")
	e := New(store)

	require.NoError(t, e.WeaveSynthesisLinks(context.Background(), a.ID, []string{b.ID}, "conv-1"))
	require.NoError(t, e.WeaveSynthesisLinks(context.Background(), a.ID, []string{b.ID}, "conv-1"))

	assoc, found, err := store.GetAssociation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, synthesisEdgeStrength+synthesisEdgeIncrement, assoc.Strength)
}
