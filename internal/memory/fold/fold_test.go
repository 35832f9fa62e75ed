package fold

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/association"
	"github.com/jcbbge/anima/internal/memory/embedding"
	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage/memstore"
)

type fixedProvider struct{ vec []float32 }

func (f *fixedProvider) Name() string { return "fixed" }
func (f *fixedProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, nil
}

type fakeCache struct{ store map[string][]float32 }

func newFakeCache() *fakeCache { return &fakeCache{store: map[string][]float32{}} }
func (c *fakeCache) Get(hash string) ([]float32, bool) { v, ok := c.store[hash]; return v, ok }
func (c *fakeCache) Put(hash string, v []float32)      { c.store[hash] = v }

// unit returns a model.Dimension-length unit basis vector along axis i.
func unit(i int) []float32 {
	v := make([]float32, model.Dimension)
	v[i] = 1
	return v
}

// angled returns a unit vector whose cosine similarity to unit(i) is
// exactly cosTheta, combining unit(i) and unit(j) (i != j).
func angled(i, j int, cosTheta float64) []float32 {
	v := make([]float32, model.Dimension)
	sinTheta := math.Sqrt(1 - cosTheta*cosTheta)
	v[i] = float32(cosTheta)
	v[j] = float32(sinTheta)
	return v
}

func insertMemory(t *testing.T, store *memstore.Store, content string, embedding []float32, tier model.Tier, phi float64, lastAccessed time.Time) *model.Memory {
	t.Helper()
	m := &model.Memory{
		Content:      content,
		ContentHash:  "h-" + content + "-" + time.Now().String(),
		Embedding:    embedding,
		Tier:         tier,
		ResonancePhi: phi,
		LastAccessed: lastAccessed,
	}
	inserted, _, err := store.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return inserted
}

func newTestEngine(t *testing.T, store *memstore.Store, synthVec []float32) *Engine {
	t.Helper()
	embed := embedding.New(newFakeCache(), &fixedProvider{vec: synthVec}, nil, ports.NoopLogger{}, ports.NoopMetrics{})
	assoc := association.New(store)
	return New(store, embed, assoc)
}

func TestGetDriftDefaultsWhenUnset(t *testing.T) {
	store := memstore.New()
	e := New(store, nil, nil)

	drift, err := e.GetDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultDriftAperture, drift)
}

func TestSetDriftRejectsOutOfRange(t *testing.T) {
	store := memstore.New()
	e := New(store, nil, nil)

	err := e.SetDrift(context.Background(), 0.5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfigInvalid))
}

func TestSetDriftPersistsAndGetDriftReflectsIt(t *testing.T) {
	store := memstore.New()
	e := New(store, nil, nil)

	require.NoError(t, e.SetDrift(context.Background(), 0.3))
	drift, err := e.GetDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.3, drift)
}

func TestPerformFailsNoFundamentalWhenNoNetworkTierMemory(t *testing.T) {
	store := memstore.New()
	insertMemory(t, store, "active only", unit(0), model.TierActive, 5.0, time.Now())
	e := newTestEngine(t, store, unit(0))

	_, err := e.Perform(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoFundamental))
}

func TestPerformFailsNoMelodyWhenNoneAbovePhiOne(t *testing.T) {
	store := memstore.New()
	insertMemory(t, store, "fundamental", unit(0), model.TierNetwork, 5.0, time.Now())
	insertMemory(t, store, "too weak", unit(1), model.TierActive, 0.5, time.Now())
	e := newTestEngine(t, store, unit(0))

	_, err := e.Perform(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoMelody))
}

func TestPerformSelectsTriadWithinDriftBand(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	fundamental := insertMemory(t, store, "fundamental", unit(0), model.TierNetwork, 5.0, now)
	insertMemory(t, store, "stale melody", unit(1), model.TierActive, 2.0, now.Add(-10*24*time.Hour))
	insertMemory(t, store, "in band overtone", angled(0, 2, 0.82), model.TierActive, 1.5, now)
	insertMemory(t, store, "out of band", angled(0, 3, 0.5), model.TierActive, 1.5, now)
	e := newTestEngine(t, store, unit(0))

	result, err := e.Perform(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, fundamental.ID, result.Triad.Fundamental.ID)
	assert.Equal(t, "stale melody", result.Triad.Melody.Content)
	assert.Equal(t, "in band overtone", result.Triad.Overtone.Content)
	assert.Contains(t, result.Prompt, "Fundamental")
}

func TestPerformFailsNoOvertoneWhenBandEmpty(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	insertMemory(t, store, "fundamental", unit(0), model.TierNetwork, 5.0, now)
	insertMemory(t, store, "stale melody", unit(1), model.TierActive, 2.0, now.Add(-10*24*time.Hour))
	insertMemory(t, store, "out of band", angled(0, 3, 0.5), model.TierActive, 1.5, now)
	e := newTestEngine(t, store, unit(0))

	_, err := e.Perform(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoOvertone))
}

func triadFixture(t *testing.T, store *memstore.Store) Triad {
	t.Helper()
	now := time.Now()
	fundamental := insertMemory(t, store, "fundamental content", angled(0, 1, 0.9), model.TierNetwork, 5.0, now)
	melody := insertMemory(t, store, "melody content", angled(0, 2, 0.9), model.TierActive, 2.0, now)
	overtone := insertMemory(t, store, "overtone content", angled(0, 3, 0.9), model.TierActive, 1.5, now)
	return Triad{Fundamental: *fundamental, Melody: *melody, Overtone: *overtone}
}

func TestStoreRejectsLowConsonance(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	triad := Triad{
		Fundamental: *insertMemory(t, store, "f", angled(0, 1, 0.9), model.TierNetwork, 5.0, now),
		Melody:      *insertMemory(t, store, "m", angled(0, 2, 0.9), model.TierActive, 2.0, now),
		Overtone:    *insertMemory(t, store, "o", angled(0, 3, 0.1), model.TierActive, 1.5, now),
	}
	e := newTestEngine(t, store, unit(0))

	result, err := e.Store(context.Background(), "synthesis text", triad)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.InDelta(t, 0.245, result.Consonance, 0.01)
}

func TestStoreCreatesNewMemoryWhenNoEvolutionCandidate(t *testing.T) {
	store := memstore.New()
	triad := triadFixture(t, store)
	e := newTestEngine(t, store, unit(0))

	result, err := e.Store(context.Background(), "a new synthesis", triad)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.False(t, result.Evolved)
	require.NotNil(t, result.Memory)
	assert.Equal(t, "the_fold", result.Memory.Category)
	assert.Equal(t, "autonomous_synthesis", result.Memory.Source)
	assert.Equal(t, model.TierActive, result.Memory.Tier)

	edges, err := store.ListAssociationsForMemory(context.Background(), result.Memory.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestStoreEvolvesExistingMemoryAboveEvolutionThreshold(t *testing.T) {
	store := memstore.New()
	triad := triadFixture(t, store)
	nearDuplicate := insertMemory(t, store, "near duplicate of synthesis", angled(0, 4, 0.95), model.TierActive, 1.0, time.Now())
	e := newTestEngine(t, store, unit(0))

	result, err := e.Store(context.Background(), "a new synthesis", triad)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, result.Evolved)
	require.NotNil(t, result.Memory)
	assert.Equal(t, nearDuplicate.ID, result.Memory.ID)
	assert.Equal(t, "a new synthesis", result.Memory.Content)
	require.Len(t, result.Memory.Metadata.EvolutionHistory, 1)
	assert.Equal(t, "near duplicate of synthesis", result.Memory.Metadata.EvolutionHistory[0].PreviousContent)
}

func TestHistoryReturnsFoldMemoriesMostRecentFirst(t *testing.T) {
	store := memstore.New()
	triad := triadFixture(t, store)
	e := newTestEngine(t, store, unit(0))

	first, err := e.Store(context.Background(), "first synthesis", triad)
	require.NoError(t, err)
	require.True(t, first.Success)

	history, err := e.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.Memory.ID, history[0].Memory.ID)
}

func TestDiagnoseReportsAllThreeOutcomes(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	insertMemory(t, store, "fundamental", unit(0), model.TierNetwork, 5.0, now)
	e := newTestEngine(t, store, unit(0))

	fundamentalErr, melodyErr, overtoneErr := e.Diagnose(context.Background(), nil)
	assert.NoError(t, fundamentalErr)
	assert.Error(t, melodyErr)
	assert.Error(t, overtoneErr)
}
