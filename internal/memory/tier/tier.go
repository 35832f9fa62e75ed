// Package tier promotes memories through the active -> thread -> stable
// lifecycle based on access count, recording an audit row for every
// promotion. The network tier is never entered by this engine; it is
// reserved for an external seeding path.
package tier

import (
	"context"

	"github.com/google/uuid"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// Engine evaluates and applies tier transitions.
type Engine struct {
	store   storage.Store
	clock   ports.Clock
	logger  ports.Logger
	metrics ports.Metrics

	activeToThread int64
	threadToStable int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c ports.Clock) Option    { return func(e *Engine) { e.clock = c } }
func WithLogger(l ports.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m ports.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithThresholds overrides the default access-count promotion thresholds.
func WithThresholds(activeToThread, threadToStable int64) Option {
	return func(e *Engine) { e.activeToThread, e.threadToStable = activeToThread, threadToStable }
}

// New builds a tier Engine with the default thresholds (3 for
// active->thread, 10 for thread->stable); override via WithThresholds.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		clock:          ports.SystemClock{},
		logger:         ports.NoopLogger{},
		metrics:        ports.NoopMetrics{},
		activeToThread: 3,
		threadToStable: 10,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// nextTier returns the tier m should occupy given its access count, or "" if
// no promotion is due. Stable and network memories never move here.
func (e *Engine) nextTier(m *model.Memory) model.Tier {
	switch m.Tier {
	case model.TierActive:
		if m.AccessCount >= e.activeToThread {
			return model.TierThread
		}
	case model.TierThread:
		if m.AccessCount >= e.threadToStable {
			return model.TierStable
		}
	}
	return ""
}

// CheckAndPromote evaluates m for promotion and, if due, transitions it
// within a single transaction alongside its audit row. Returns true if a
// promotion occurred.
func (e *Engine) CheckAndPromote(ctx context.Context, m *model.Memory, reason model.PromotionReason) (bool, error) {
	if m == nil {
		return false, errs.New(errs.KindInvalidInput, "memory must not be nil")
	}
	to := e.nextTier(m)
	if to == "" {
		return false, nil
	}
	return true, e.promote(ctx, m, to, reason)
}

// UpdateTier forces a transition to `to` (used for manual overrides); `to`
// must be a valid, non-network tier.
func (e *Engine) UpdateTier(ctx context.Context, m *model.Memory, to model.Tier, reason model.PromotionReason) error {
	if m == nil {
		return errs.New(errs.KindInvalidInput, "memory must not be nil")
	}
	switch to {
	case model.TierActive, model.TierThread, model.TierStable:
	default:
		return errs.New(errs.KindInvalidTier, "tier must be active, thread, or stable").
			WithDetails(map[string]any{"tier": string(to)})
	}
	if to == m.Tier {
		return nil
	}
	return e.promote(ctx, m, to, reason)
}

func (e *Engine) promote(ctx context.Context, m *model.Memory, to model.Tier, reason model.PromotionReason) error {
	now := e.clock.Now()
	from := m.Tier
	daysSince := now.Sub(m.LastAccessed).Hours() / 24

	err := e.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		m.Tier = to
		m.TierLastUpdated = now
		if err := tx.UpdateMemory(ctx, m); err != nil {
			return err
		}
		return tx.InsertTierPromotion(ctx, model.TierPromotion{
			ID:                   uuid.NewString(),
			MemoryID:             m.ID,
			FromTier:             from,
			ToTier:               to,
			Reason:               reason,
			AccessCountAtPromote: m.AccessCount,
			DaysSinceLastAccess:  daysSince,
			CreatedAt:            now,
		})
	})
	if err != nil {
		return err
	}
	e.metrics.IncCounter("tier_promotions_total", map[string]string{"from": string(from), "to": string(to)})
	e.logger.Info("memory tier promoted", map[string]any{"memory_id": m.ID, "from": from, "to": to, "reason": reason})
	return nil
}

// QueryPromotionOverlay is the query-time promotion pass: a memory whose
// surfaceCount reaches the given overlay threshold for its tier is moved up
// one tier. Service.Query passes the memory's AccessCount as surfaceCount
// and calls this only when CheckAndPromote declined on the same count, so
// it promotes only when an overlay threshold is below the matching
// canonical threshold; with the default overlay (5/20) above the canonical
// thresholds (3/10), it promotes nothing there.
func (e *Engine) QueryPromotionOverlay(ctx context.Context, m *model.Memory, surfaceCount int64, activeThreshold, threadThreshold int64) (bool, error) {
	var to model.Tier
	switch m.Tier {
	case model.TierActive:
		if surfaceCount >= activeThreshold {
			to = model.TierThread
		}
	case model.TierThread:
		if surfaceCount >= threadThreshold {
			to = model.TierStable
		}
	}
	if to == "" {
		return false, nil
	}
	return true, e.promote(ctx, m, to, model.PromotionReasonAccessThreshold)
}

// DecayDemote records that m has been dormant for daysDormant days; tier
// demotion is not a feature of this engine (tiers only move forward per
// spec), so this records an audit-only reflection rather than mutating
// Tier. Nothing in this module calls it: the decay sweep
// (resonance.Engine.ApplyDecay) does not.
func (e *Engine) DecayDemote(ctx context.Context, m *model.Memory, daysDormant float64) error {
	return e.store.InsertReflection(ctx, model.ReflectionRecord{
		ReflectionType: "tier_dormancy",
		Metrics: map[string]any{
			"memory_id":    m.ID,
			"tier":         string(m.Tier),
			"days_dormant": daysDormant,
		},
		CreatedAt: e.clock.Now(),
	})
}
