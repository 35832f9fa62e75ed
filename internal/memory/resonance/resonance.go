// Package resonance tracks and mutates resonance_phi: the [0,5] score
// measuring how alive a memory is, bumped on access, decayed over time, and
// used to detect catalysts (memories accessed in rapid bursts, highly
// connected, or whose content reads like a breakthrough).
package resonance

import (
	"context"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// AccessBoost is the phi increment applied to a memory each time it is
// retrieved and used.
const AccessBoost = 0.15

// CatalystRapidAccessWindow and CatalystRapidAccessCount define rule (a) of
// DetectPotentialCatalyst: a memory accessed this many times within this
// window looks like it's being rapidly (re-)surfaced.
const (
	CatalystRapidAccessWindow = 10 * time.Minute
	CatalystRapidAccessCount  = 3
)

// CatalystMinAssociations is rule (b): a memory already this well-connected
// looks structurally important regardless of its phi trajectory.
const CatalystMinAssociations = 5

// catalystContentPatterns is the named regex registry backing rule (c): a
// memory whose content matches any of these patterns is flagged regardless
// of access history or connectivity. Keeping them as a named, lookup-by-key
// map (rather than one compiled alternation) lets DetectPotentialCatalyst
// report which pattern fired.
var catalystContentPatterns = map[string]*regexp.Regexp{
	"breakthrough":   regexp.MustCompile(`(?i)breakthrough`),
	"insight":        regexp.MustCompile(`(?i)insight`),
	"realized":       regexp.MustCompile(`(?i)realized`),
	"profound":       regexp.MustCompile(`(?i)profound`),
	"paradigm_shift": regexp.MustCompile(`(?i)paradigm shift`),
	"eureka":         regexp.MustCompile(`(?i)eureka`),
}

// Engine mutates and reports on ResonancePhi.
type Engine struct {
	store   storage.Store
	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics

	decayFactor float64
	decayFloor  float64
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c ports.Clock) Option      { return func(e *Engine) { e.clock = c } }
func WithLogger(l ports.Logger) Option     { return func(e *Engine) { e.logger = l } }
func WithMetrics(m ports.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithDecay(factor, floor float64) Option {
	return func(e *Engine) { e.decayFactor, e.decayFloor = factor, floor }
}

// New builds a resonance Engine over store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		clock:       ports.SystemClock{},
		logger:      ports.NoopLogger{},
		metrics:     ports.NoopMetrics{},
		decayFactor: 0.95,
		decayFloor:  0.5,
	}
	for _, o := range opts {
		o(e)
	}
	return e
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

// Adjust applies delta to m's ResonancePhi, clamped to [0, model.MaxPhi],
// and persists the change.
func (e *Engine) Adjust(ctx context.Context, m *model.Memory, delta float64) error {
	if m == nil {
		return errs.New(errs.KindInvalidInput, "memory must not be nil")
	}
	before := m.ResonancePhi
	m.ResonancePhi = clampPhi(m.ResonancePhi + delta)
	if err := e.store.UpdateMemory(ctx, m); err != nil {
		return err
	}
	e.metrics.ObserveHistogram("resonance_phi_delta", m.ResonancePhi-before, nil)
	return nil
}

// BoostOnAccess applies the standard AccessBoost to m.
func (e *Engine) BoostOnAccess(ctx context.Context, m *model.Memory) error {
	return e.Adjust(ctx, m, AccessBoost)
}

// DetectPotentialCatalyst flags m a catalyst if any of three rules hold: (a)
// at least CatalystRapidAccessCount access-log entries for m within
// CatalystRapidAccessWindow, (b) at least CatalystMinAssociations stored
// associations incident to m (soft-deleted neighbors included), or (c) m's content matches a named pattern in
// catalystContentPatterns. Returns whether the flag was newly set and the
// reasons that fired (nil if none did or m was already a catalyst).
func (e *Engine) DetectPotentialCatalyst(ctx context.Context, m *model.Memory) (bool, []string, error) {
	if m == nil {
		return false, nil, errs.New(errs.KindInvalidInput, "memory must not be nil")
	}
	if m.IsCatalyst {
		return false, nil, nil
	}

	var reasons []string

	since := e.clock.Now().Add(-CatalystRapidAccessWindow)
	recent, err := e.store.RecentAccessLog(ctx, since)
	if err != nil {
		return false, nil, err
	}
	accessCount := 0
	for _, entry := range recent {
		if entry.MemoryID == m.ID {
			accessCount++
		}
	}
	if accessCount >= CatalystRapidAccessCount {
		reasons = append(reasons, "rapid_access")
	}

	assocs, err := e.store.ListAssociationsForMemory(ctx, m.ID)
	if err != nil {
		return false, nil, err
	}
	if len(assocs) >= CatalystMinAssociations {
		reasons = append(reasons, "high_connectivity")
	}

	for name, re := range catalystContentPatterns {
		if re.MatchString(m.Content) {
			reasons = append(reasons, "content_pattern:"+name)
		}
	}

	if len(reasons) == 0 {
		return false, nil, nil
	}

	m.IsCatalyst = true
	if err := e.store.UpdateMemory(ctx, m); err != nil {
		return false, nil, err
	}
	e.metrics.IncCounter("catalyst_detected_total", nil)
	e.logger.Info("catalyst detected", map[string]any{"memory_id": m.ID, "reasons": reasons})
	return true, reasons, nil
}

// ApplyDecay sweeps all live memories and multiplies ResonancePhi by
// decayFactor (never below decayFloor), but only for memories whose phi is
// above decayFloor and whose LastAccessed predates cutoff. A memory touched
// since cutoff is skipped; a memory still untouched is decayed again by
// every call, including a re-run with the same cutoff, since no per-memory
// record of a previous decay is kept.
func (e *Engine) ApplyDecay(ctx context.Context, cutoff time.Time) (int, error) {
	memories, err := e.store.ListAllLive(ctx, 0)
	if err != nil {
		return 0, err
	}
	decayed := 0
	for i := range memories {
		m := memories[i]
		if !m.LastAccessed.Before(cutoff) || m.ResonancePhi <= e.decayFloor {
			continue
		}
		next := m.ResonancePhi * e.decayFactor
		if next < e.decayFloor {
			next = e.decayFloor
		}
		if next == m.ResonancePhi {
			continue
		}
		m.ResonancePhi = next
		if err := e.store.UpdateMemory(ctx, &m); err != nil {
			return decayed, err
		}
		decayed++
	}
	e.metrics.IncCounter("resonance_decay_applied_total", nil)
	e.logger.Info("decay sweep complete", map[string]any{"decayed": decayed, "cutoff": cutoff})
	return decayed, nil
}

// TopCatalysts returns up to limit catalyst memories, highest phi first.
func (e *Engine) TopCatalysts(ctx context.Context, limit int) ([]model.Memory, error) {
	return e.store.ListCatalysts(ctx, limit)
}

// CleanupAccessLog prunes access-log rows older than before, matching
// spec's access-log retention window.
func (e *Engine) CleanupAccessLog(ctx context.Context, before time.Time) (int64, error) {
	return e.store.PruneAccessLog(ctx, before)
}

// Stats summarizes phi distribution across live memories: bucket i covers
// [i, i+1) except the last, which includes model.MaxPhi.
type Stats struct {
	Total         int
	CatalystCount int
	PhiHistogram  [5]int
}

// Stats computes a Stats snapshot over all live memories.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	memories, err := e.store.ListAllLive(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Total = len(memories)
	for _, m := range memories {
		if m.IsCatalyst {
			s.CatalystCount++
		}
		bucket := int(math.Floor(m.ResonancePhi))
		if bucket < 0 {
			bucket = 0
		}
		if bucket > 4 {
			bucket = 4
		}
		s.PhiHistogram[bucket]++
	}
	return s, nil
}

// sortByPhiDesc orders memories by ResonancePhi, highest first.
func sortByPhiDesc(memories []model.Memory) {
	sort.Slice(memories, func(i, j int) bool { return memories[i].ResonancePhi > memories[j].ResonancePhi })
}
