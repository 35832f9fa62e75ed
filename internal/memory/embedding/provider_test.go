package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
)

type fakeProvider struct {
	name string
	vec  []float32
	err  error
	call int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.call++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeCache struct {
	store map[string][]float32
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string][]float32{}} }

func (c *fakeCache) Get(hash string) ([]float32, bool) { v, ok := c.store[hash]; return v, ok }
func (c *fakeCache) Put(hash string, v []float32)      { c.store[hash] = v }

func dimVector(fill float32) []float32 {
	v := make([]float32, model.Dimension)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestEmbedRejectsEmptyContent(t *testing.T) {
	p := New(newFakeCache(), &fakeProvider{name: "p"}, nil, ports.NoopLogger{}, ports.NoopMetrics{})
	_, err := p.Embed(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestEmbedUsesCacheBeforeProvider(t *testing.T) {
	cache := newFakeCache()
	primary := &fakeProvider{name: "primary", vec: dimVector(1)}
	p := New(cache, primary, nil, ports.NoopLogger{}, ports.NoopMetrics{})

	res1, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "primary", res1.Provenance)
	assert.Equal(t, 1, primary.call)

	res2, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "cache", res2.Provenance)
	assert.Equal(t, 1, primary.call, "cache hit should not call the provider again")
}

func TestEmbedFallsBackToSecondaryOnPrimaryFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: assertErr("boom")}
	secondary := &fakeProvider{name: "secondary", vec: dimVector(2)}
	p := New(newFakeCache(), primary, secondary, ports.NoopLogger{}, ports.NoopMetrics{})

	res, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Provenance)
}

func TestEmbedReturnsSubstrateUnavailableWhenBothFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: assertErr("boom")}
	secondary := &fakeProvider{name: "secondary", err: assertErr("also boom")}
	p := New(newFakeCache(), primary, secondary, ports.NoopLogger{}, ports.NoopMetrics{})

	_, err := p.Embed(context.Background(), "hello")
	assert.True(t, errs.Is(err, errs.KindSubstrateUnavailable))
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	primary := &fakeProvider{name: "primary", vec: []float32{1, 2, 3}}
	p := New(newFakeCache(), primary, nil, ports.NoopLogger{}, ports.NoopMetrics{})

	_, err := p.Embed(context.Background(), "hello")
	assert.True(t, errs.Is(err, errs.KindEmbedFailed))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
