// Package fold implements the harmonic synthesis engine: it samples a
// Fundamental/Melody/Overtone triad of memories, hands the caller an
// agnostic prompt to synthesize text from, and then folds the synthesized
// text back into storage either by evolving a near-duplicate memory or by
// creating a new one, weaving synthesis associations either way.
package fold

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jcbbge/anima/internal/memory/association"
	"github.com/jcbbge/anima/internal/memory/embedding"
	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// Defaults per the resonant-synthesis design.
const (
	DefaultDriftAperture     = 0.2
	MinDriftAperture         = 0.1
	MaxDriftAperture         = 0.3
	DefaultMinConsonance     = 0.40
	DefaultEvolutionThreshold = 0.92

	minSelectablePhi = 1.0

	driftConfigKey = "drift_aperture"
)

// Mode selects which embedding anchors the Overtone similarity band: the
// Fundamental itself (REM mode) or an externally supplied query (Active
// Pulse mode).
type Mode string

const (
	ModeREM        Mode = "rem"
	ModeActivePulse Mode = "active_pulse"
)

// Triad is the sampled Fundamental/Melody/Overtone.
type Triad struct {
	Fundamental model.Memory
	Melody      model.Memory
	Overtone    model.Memory
}

func (t Triad) ids() []string {
	return []string{t.Fundamental.ID, t.Melody.ID, t.Overtone.ID}
}

func (t Triad) phiValues() []float64 {
	return []float64{t.Fundamental.ResonancePhi, t.Melody.ResonancePhi, t.Overtone.ResonancePhi}
}

func (t Triad) embeddings() [][]float32 {
	return [][]float32{t.Fundamental.Embedding, t.Melody.Embedding, t.Overtone.Embedding}
}

// PerformResult is the agnostic synthesis prompt the engine hands to a
// caller-supplied text generator, along with the triad it was built from.
type PerformResult struct {
	Prompt string
	Triad  Triad
}

// StoreResult reports what Store did with a synthesis attempt.
type StoreResult struct {
	Success    bool
	Memory     *model.Memory
	Consonance float64
	Threshold  float64
	Evolved    bool
	Synthesis  string
}

// Engine samples triads and folds synthesis text back into storage.
type Engine struct {
	store       storage.Store
	embed       *embedding.Port
	association *association.Engine
	clock       ports.Clock
	logger      ports.Logger
	metrics     ports.Metrics

	minConsonance     float64
	evolutionThreshold float64
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c ports.Clock) Option      { return func(e *Engine) { e.clock = c } }
func WithLogger(l ports.Logger) Option     { return func(e *Engine) { e.logger = l } }
func WithMetrics(m ports.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithThresholds(minConsonance, evolutionThreshold float64) Option {
	return func(e *Engine) { e.minConsonance, e.evolutionThreshold = minConsonance, evolutionThreshold }
}

// New builds a Fold Engine.
func New(store storage.Store, embed *embedding.Port, assoc *association.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		embed:              embed,
		association:        assoc,
		clock:              ports.SystemClock{},
		logger:             ports.NoopLogger{},
		metrics:            ports.NoopMetrics{},
		minConsonance:      DefaultMinConsonance,
		evolutionThreshold: DefaultEvolutionThreshold,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetDrift reads the drift_aperture config entry, defaulting to
// DefaultDriftAperture and clamping to [MinDriftAperture, MaxDriftAperture].
func (e *Engine) GetDrift(ctx context.Context) (float64, error) {
	raw, found, err := e.store.GetConfigEntry(ctx, driftConfigKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return DefaultDriftAperture, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return DefaultDriftAperture, nil
	}
	return clampDrift(v), nil
}

// SetDrift validates v is within [MinDriftAperture, MaxDriftAperture] and
// persists it as the drift_aperture config entry.
func (e *Engine) SetDrift(ctx context.Context, v float64) error {
	if v < MinDriftAperture || v > MaxDriftAperture {
		return errs.New(errs.KindConfigInvalid, fmt.Sprintf("drift_aperture must be within [%.2f, %.2f]", MinDriftAperture, MaxDriftAperture))
	}
	return e.store.SetConfigEntry(ctx, driftConfigKey, strconv.FormatFloat(v, 'f', -1, 64))
}

func clampDrift(v float64) float64 {
	if v < MinDriftAperture {
		return MinDriftAperture
	}
	if v > MaxDriftAperture {
		return MaxDriftAperture
	}
	return v
}

// Perform selects a triad — anchored on the Fundamental's own embedding in
// REM mode, or on queryEmbedding in Active Pulse mode when non-nil — and
// returns an agnostic synthesis prompt for the caller to run through its
// own text generator. The engine never calls a text generator itself.
func (e *Engine) Perform(ctx context.Context, queryEmbedding []float32) (*PerformResult, error) {
	triad, err := e.sampleTriad(ctx, queryEmbedding)
	if err != nil {
		return nil, err
	}
	return &PerformResult{Prompt: buildPrompt(*triad), Triad: *triad}, nil
}

func buildPrompt(t Triad) string {
	return fmt.Sprintf(
		"Fundamental (phi=%.2f): %s\nMelody (phi=%.2f): %s\nOvertone (phi=%.2f): %s\n\nSynthesize a single memory that resonates across all three.",
		t.Fundamental.ResonancePhi, t.Fundamental.Content,
		t.Melody.ResonancePhi, t.Melody.Content,
		t.Overtone.ResonancePhi, t.Overtone.Content,
	)
}

func (e *Engine) sampleTriad(ctx context.Context, queryEmbedding []float32) (*Triad, error) {
	live, err := e.store.ListAllLive(ctx, 0)
	if err != nil {
		return nil, err
	}

	fundamental, err := selectFundamental(live)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	melody, err := selectMelody(live, fundamental.ID, now)
	if err != nil {
		return nil, err
	}

	reference := fundamental.Embedding
	if queryEmbedding != nil {
		reference = queryEmbedding
	}
	drift, err := e.GetDrift(ctx)
	if err != nil {
		return nil, err
	}
	overtone, err := selectOvertone(live, fundamental.ID, melody.ID, reference, drift)
	if err != nil {
		return nil, err
	}

	return &Triad{Fundamental: *fundamental, Melody: *melody, Overtone: *overtone}, nil
}

func selectFundamental(live []model.Memory) (*model.Memory, error) {
	var best *model.Memory
	for i := range live {
		m := &live[i]
		if m.Tier != model.TierNetwork {
			continue
		}
		if best == nil || m.ResonancePhi > best.ResonancePhi {
			best = m
		}
	}
	if best == nil {
		return nil, errs.New(errs.KindNoFundamental, "no network-tier memory available")
	}
	return best, nil
}

func selectMelody(live []model.Memory, fundamentalID string, now time.Time) (*model.Memory, error) {
	var best *model.Memory
	var bestStaleness float64
	for i := range live {
		m := &live[i]
		if m.ID == fundamentalID || m.ResonancePhi <= minSelectablePhi {
			continue
		}
		days := now.Sub(m.LastAccessed).Hours() / 24
		if days < 0 {
			days = 0
		}
		staleness := m.ResonancePhi * days
		if best == nil || staleness > bestStaleness {
			best, bestStaleness = m, staleness
		}
	}
	if best == nil {
		return nil, errs.New(errs.KindNoMelody, "no eligible melody memory available")
	}
	return best, nil
}

func selectOvertone(live []model.Memory, fundamentalID, melodyID string, reference []float32, drift float64) (*model.Memory, error) {
	simMax := 1.05 - drift
	simMin := simMax - 0.05

	var best *model.Memory
	for i := range live {
		m := &live[i]
		if m.ID == fundamentalID || m.ID == melodyID || m.ResonancePhi <= minSelectablePhi {
			continue
		}
		sim := cosine(reference, m.Embedding)
		if sim < simMin || sim > simMax {
			continue
		}
		if best == nil || m.ResonancePhi > best.ResonancePhi {
			best = m
		}
	}
	if best == nil {
		return nil, errs.New(errs.KindNoOvertone, "no memory within the drift-aperture similarity band")
	}
	return best, nil
}

// Store embeds synthesisText, computes consonance against the triad, and
// either evolves a near-duplicate live memory or creates a new one,
// weaving synthesis associations from the result to each triad member.
func (e *Engine) Store(ctx context.Context, synthesisText string, triad Triad) (*StoreResult, error) {
	result, err := e.embed.Embed(ctx, synthesisText)
	if err != nil {
		return nil, err
	}
	synthEmbedding := result.Vector

	consonance := harmonicMeanConsonance(synthEmbedding, triad.embeddings())
	if consonance <= e.minConsonance {
		e.metrics.IncCounter("fold_rejected_total", map[string]string{"reason": "consonance_too_low"})
		return &StoreResult{Success: false, Consonance: consonance, Threshold: e.minConsonance, Synthesis: synthesisText}, nil
	}
	e.metrics.ObserveHistogram("fold_consonance", consonance, nil)

	drift, err := e.GetDrift(ctx)
	if err != nil {
		return nil, err
	}

	match, simToMatch, err := e.findEvolutionCandidate(ctx, synthEmbedding)
	if err != nil {
		return nil, err
	}

	var stored *model.Memory
	evolved := false
	if match != nil {
		stored, err = e.evolve(ctx, match, synthesisText, synthEmbedding, consonance, simToMatch, triad, drift)
		evolved = true
	} else {
		stored, err = e.create(ctx, synthesisText, synthEmbedding, consonance, triad, drift)
	}
	if err != nil {
		return nil, err
	}

	if e.association != nil {
		if err := e.association.WeaveSynthesisLinks(ctx, stored.ID, triad.ids(), ""); err != nil {
			e.logger.Warn("fold: weaving synthesis links failed", map[string]any{"error": err.Error(), "memory_id": stored.ID})
		}
	}

	e.metrics.IncCounter("fold_stored_total", map[string]string{"evolved": strconv.FormatBool(evolved)})
	return &StoreResult{Success: true, Memory: stored, Consonance: consonance, Threshold: e.minConsonance, Evolved: evolved, Synthesis: synthesisText}, nil
}

func (e *Engine) findEvolutionCandidate(ctx context.Context, synthEmbedding []float32) (*model.Memory, float64, error) {
	candidates, err := e.store.QueryByEmbedding(ctx, synthEmbedding, 1, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 || candidates[0].Similarity < e.evolutionThreshold {
		return nil, 0, nil
	}
	m := candidates[0].Memory
	return &m, candidates[0].Similarity, nil
}

func (e *Engine) evolve(ctx context.Context, existing *model.Memory, synthesisText string, synthEmbedding []float32, consonance, similarity float64, triad Triad, drift float64) (*model.Memory, error) {
	deltaPhi := consonance * similarity * 5.0
	now := e.clock.Now()

	var stored model.Memory
	err := e.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing.Metadata.EvolutionHistory = append(existing.Metadata.EvolutionHistory, model.EvolutionEntry{
			SchemaVersion:   model.CurrentEvolutionEntrySchema,
			PreviousContent: existing.Content,
			Consonance:      consonance,
			TriadIDs:        triad.ids(),
			DriftAperture:   drift,
			EvolvedAt:       now,
		})
		existing.Content = synthesisText
		existing.ContentHash = embedding.ContentHash(synthesisText)
		existing.Embedding = synthEmbedding
		existing.ResonancePhi = clampPhi(existing.ResonancePhi + deltaPhi)
		existing.UpdatedAt = now
		if err := tx.UpdateMemory(ctx, existing); err != nil {
			return err
		}
		stored = *existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (e *Engine) create(ctx context.Context, synthesisText string, synthEmbedding []float32, consonance float64, triad Triad, drift float64) (*model.Memory, error) {
	m := &model.Memory{
		ID:          uuid.NewString(),
		Content:     synthesisText,
		ContentHash: embedding.ContentHash(synthesisText),
		Embedding:   synthEmbedding,
		Tier:        model.TierActive,
		Category:    "the_fold",
		Source:      "autonomous_synthesis",
		ResonancePhi: math.Min(consonance*5, 3),
		Metadata: model.Metadata{
			Fold: &model.FoldProvenance{
				TriadIDs:        triad.ids(),
				TriadPhiValues:  triad.phiValues(),
				Consonance:      consonance,
				SynthesisMethod: "standard",
				DriftAperture:   drift,
			},
		},
	}
	stored, _, err := e.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func clampPhi(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > model.MaxPhi {
		return model.MaxPhi
	}
	return v
}

// harmonicMeanConsonance computes the harmonic mean of the cosine
// similarities between synth and each triad embedding. Zero similarities
// are discarded; an empty result is treated as zero consonance.
func harmonicMeanConsonance(synth []float32, triadEmbeddings [][]float32) float64 {
	var sims []float64
	for _, emb := range triadEmbeddings {
		s := cosine(synth, emb)
		if s != 0 {
			sims = append(sims, s)
		}
	}
	return harmonicMean(sims)
}

func harmonicMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	var sumInverse float64
	for _, v := range values {
		sumInverse += 1 / v
	}
	return float64(len(values)) / sumInverse
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HistoryEntry summarizes one past Fold synthesis for History.
type HistoryEntry struct {
	Memory     model.Memory
	Evolved    bool
	Consonance float64
}

// History returns the Fold-produced memories (category=the_fold), most
// recent first, bounded to limit.
func (e *Engine) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	live, err := e.store.ListAllLive(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, m := range live {
		if m.Category != "the_fold" || m.Metadata.Fold == nil {
			continue
		}
		out = append(out, HistoryEntry{
			Memory:     m,
			Evolved:    len(m.Metadata.EvolutionHistory) > 0,
			Consonance: m.Metadata.Fold.Consonance,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Memory.CreatedAt.After(out[j].Memory.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trigger runs the full synthesize-and-store pipeline in one call, given a
// caller-supplied generator function that turns a PerformResult's prompt
// into synthesis text (the engine itself never calls a text generator).
func (e *Engine) Trigger(ctx context.Context, queryEmbedding []float32, generate func(ctx context.Context, prompt string) (string, error)) (*StoreResult, error) {
	performed, err := e.Perform(ctx, queryEmbedding)
	if err != nil {
		return nil, err
	}
	text, err := generate(ctx, performed.Prompt)
	if err != nil {
		return nil, err
	}
	return e.Store(ctx, text, performed.Triad)
}

// Diagnose selects the Fundamental first, then runs the Melody and Overtone
// scans concurrently under one errgroup, and reports all three selection
// outcomes at once,
// instead of Perform's fail-fast single-error behavior — useful for
// callers that want to explain exactly which legs of a triad are
// currently unavailable.
func (e *Engine) Diagnose(ctx context.Context, queryEmbedding []float32) (fundamental, melody, overtone error) {
	live, err := e.store.ListAllLive(ctx, 0)
	if err != nil {
		return err, err, err
	}

	fundamentalMem, fundamental := selectFundamental(live)
	fundamentalID := ""
	reference := queryEmbedding
	if fundamentalMem != nil {
		fundamentalID = fundamentalMem.ID
		if reference == nil {
			reference = fundamentalMem.Embedding
		}
	}

	drift, driftErr := e.GetDrift(ctx)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := selectMelody(live, fundamentalID, e.clock.Now())
		melody = err
		return nil
	})
	g.Go(func() error {
		if driftErr != nil {
			overtone = driftErr
			return nil
		}
		_, err := selectOvertone(live, fundamentalID, "", reference, drift)
		overtone = err
		return nil
	})
	_ = g.Wait()
	return fundamental, melody, overtone
}
