// Package model holds the persistent entities shared by every memory engine
// component: Memory, Association, tier promotion audits, ghost logs, access
// log entries, and reflection records.
package model

import "time"

// Tier is the coarse lifecycle bucket a Memory occupies.
type Tier string

const (
	TierActive  Tier = "active"
	TierThread  Tier = "thread"
	TierStable  Tier = "stable"
	TierNetwork Tier = "network"
)

// Dimension is the fixed embedding width the engine requires of every live
// memory.
const Dimension = 768

// MaxPhi is the upper bound of resonance_phi.
const MaxPhi = 5.0

// MaxContentRunes bounds Memory.Content.
const MaxContentRunes = 50_000

// SemanticVariant records one content variant absorbed by semantic
// consolidation into an older, surviving memory. It is a tagged variant
// carried in Memory.Metadata with an explicit schema version rather than a
// bare map, per the engine's metadata-migration discipline.
type SemanticVariant struct {
	SchemaVersion  int       `json:"schema_version"`
	Content        string    `json:"content"`
	MergedAt       time.Time `json:"merged_at"`
	PhiContributed float64   `json:"phi_contributed"`
	Similarity     float64   `json:"similarity"`
	WasCatalyst    bool      `json:"was_catalyst"`
}

// CurrentSemanticVariantSchema is the schema version stamped onto new
// SemanticVariant entries.
const CurrentSemanticVariantSchema = 1

// EvolutionEntry records one Fold-driven evolution of an existing memory
// into a new synthesis.
type EvolutionEntry struct {
	SchemaVersion   int       `json:"schema_version"`
	PreviousContent string    `json:"previous_content"`
	Consonance      float64   `json:"consonance"`
	TriadIDs        []string  `json:"triad_ids"`
	DriftAperture   float64   `json:"drift_aperture"`
	EvolvedAt       time.Time `json:"evolved_at"`
}

// CurrentEvolutionEntrySchema is the schema version stamped onto new
// EvolutionEntry entries.
const CurrentEvolutionEntrySchema = 1

// FoldProvenance is recorded in Metadata for memories created or evolved by
// the Fold engine.
type FoldProvenance struct {
	TriadIDs        []string `json:"triad_ids"`
	TriadPhiValues  []float64 `json:"triad_phi_values"`
	Consonance      float64  `json:"consonance"`
	SynthesisMethod string   `json:"synthesis_method"`
	DriftAperture   float64  `json:"drift_aperture"`
}

// Metadata is the structured blob attached to a Memory. It is kept typed in
// memory and marshalled to JSONB at the storage boundary. Entries carry a
// SchemaVersion, but no migration step runs on read: stored JSON is
// unmarshalled as is.
type Metadata struct {
	SemanticVariants []SemanticVariant `json:"semantic_variants,omitempty"`
	EvolutionHistory []EvolutionEntry  `json:"evolution_history,omitempty"`
	Fold             *FoldProvenance   `json:"fold,omitempty"`
}

// Memory is the unit of storage: a text fragment plus its embedding and the
// resonance/tier/association bookkeeping the engine maintains on top of it.
type Memory struct {
	ID                        string
	Content                   string
	ContentHash               string
	Embedding                 []float32
	Tier                      Tier
	TierLastUpdated           time.Time
	AccessCount               int64
	LastAccessed              time.Time
	AccessedInConversationIDs []string
	ResonancePhi              float64
	IsCatalyst                bool
	Category                  string
	Tags                      []string
	Source                    string
	Metadata                  Metadata
	ConversationID            *string
	EmbeddingProvenance       string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	DeletedAt                 *time.Time
}

// Live reports whether the memory has not been soft-deleted.
func (m *Memory) Live() bool { return m != nil && m.DeletedAt == nil }

// Association is an undirected edge between two memories, canonically
// ordered so that MemoryA < MemoryB.
type Association struct {
	MemoryA              string
	MemoryB              string
	CoOccurrenceCount    int64
	Strength             float64
	FirstCoOccurredAt    time.Time
	LastCoOccurredAt     time.Time
	ConversationContexts []string
}

// OrderedPair returns (a, b) in canonical order (a < b).
func OrderedPair(x, y string) (string, string) {
	if x <= y {
		return x, y
	}
	return y, x
}

// PromotionReason enumerates why a tier promotion happened.
type PromotionReason string

const (
	PromotionReasonAccessThreshold PromotionReason = "access_threshold"
	PromotionReasonManual          PromotionReason = "manual"
	PromotionReasonDecay           PromotionReason = "decay"
)

// TierPromotion is an append-only audit row written whenever a memory's
// tier changes.
type TierPromotion struct {
	ID                   string
	MemoryID             string
	FromTier             Tier
	ToTier               Tier
	Reason               PromotionReason
	AccessCountAtPromote int64
	DaysSinceLastAccess  float64
	CreatedAt            time.Time
}

// ContextType enumerates the scope a GhostLog snapshot was generated for.
type ContextType string

const (
	ContextGlobal       ContextType = "global"
	ContextConversation ContextType = "conversation"
	ContextThread       ContextType = "thread"
)

// GhostLog is a persisted continuity-snapshot (handshake) record.
type GhostLog struct {
	ID              string
	PromptText      string
	TopPhiMemories  []string
	TopPhiValues    []float64
	SynthesisMethod string
	ConversationID  *string
	ContextType     ContextType
	CreatedAt       time.Time
	ExpiresAt       time.Time

	// CachedFor and CacheReason are set by the Handshake Service on
	// retrieval only; they are request-time annotations, not persisted
	// columns, and are zero-valued on a GhostLog read back from storage
	// outside that path.
	CachedFor   time.Duration
	CacheReason string
}

// AccessLogEntry is a short-lived trace row used only by catalyst detection.
type AccessLogEntry struct {
	MemoryID   string
	AccessedAt time.Time
}

// ReflectionRecord is opaque to the engine beyond its conversation scope and
// creation time; it is read by handshake composition.
type ReflectionRecord struct {
	ID              string
	ReflectionType  string
	ConversationID  *string
	Metrics         map[string]any
	Insights        []string
	Recommendations []string
	CreatedAt       time.Time
}
