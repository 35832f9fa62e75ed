// Package storage defines the Storage Port: the persistence boundary every
// memory engine depends on instead of talking to Postgres directly. The
// production implementation lives in internal/persistence/databases; tests
// use the in-memory fake in internal/memory/storage/memstore.
package storage

import (
	"context"
	"time"

	"github.com/jcbbge/anima/internal/memory/model"
)

// ScoredMemory pairs a Memory with its similarity to a query embedding.
type ScoredMemory struct {
	Memory     model.Memory
	Similarity float64
}

// Hub is a memory returned by FindHubs, annotated with its association
// degree (number of distinct live associations touching it).
type Hub struct {
	Memory model.Memory
	Degree int
}

// Tx is the narrow set of mutating operations available inside a single
// transaction, used by the three multi-statement operations that must be
// atomic: tier promotion + audit, Fold's evolve path, and consolidation's
// merge + soft-delete.
type Tx interface {
	UpdateMemory(ctx context.Context, m *model.Memory) error
	SoftDeleteMemory(ctx context.Context, id string, at time.Time) error
	InsertTierPromotion(ctx context.Context, p model.TierPromotion) error
}

// Store is the full Storage Port surface.
type Store interface {
	// EnsureSchema idempotently creates every table the engine needs.
	EnsureSchema(ctx context.Context) error

	// InsertMemory inserts m. If a live memory already has the same
	// ContentHash, InsertMemory returns that existing memory and
	// created=false instead of inserting a duplicate.
	InsertMemory(ctx context.Context, m *model.Memory) (existing *model.Memory, created bool, err error)
	GetMemoryByID(ctx context.Context, id string) (*model.Memory, error)
	GetMemoryByContentHash(ctx context.Context, hash string) (*model.Memory, error)
	UpdateMemory(ctx context.Context, m *model.Memory) error
	SoftDeleteMemory(ctx context.Context, id string, at time.Time) error

	// QueryByEmbedding returns the topK live memories closest to vector by
	// cosine similarity, optionally restricted to tiers (nil/empty = all
	// tiers).
	QueryByEmbedding(ctx context.Context, vector []float32, topK int, tiers []model.Tier) ([]ScoredMemory, error)

	// RecordAccess bumps AccessCount/LastAccessed, appends conversationID to
	// AccessedInConversationIDs if non-nil and not already present, appends
	// an AccessLogEntry, and returns the updated memory.
	RecordAccess(ctx context.Context, memoryID string, conversationID *string, at time.Time) (*model.Memory, error)

	// UpsertAssociations inserts or increments co-occurrence for each
	// association, in batches of at most 1000 rows.
	UpsertAssociations(ctx context.Context, assocs []model.Association) error
	GetAssociation(ctx context.Context, a, b string) (*model.Association, bool, error)
	ListAssociationsForMemory(ctx context.Context, memoryID string) ([]model.Association, error)
	// FindHubs returns live memories with at least minDegree live
	// associations, most-connected first, bounded to limit.
	FindHubs(ctx context.Context, minDegree, limit int) ([]Hub, error)

	// WithTx runs fn inside a single transaction, committing on nil error
	// and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	InsertGhostLog(ctx context.Context, g model.GhostLog) error
	GetGhostLog(ctx context.Context, id string) (*model.GhostLog, error)
	// GetLatestGhostLog returns the most recently created, non-expired
	// ghost log for the given context scope (convID nil selects the most
	// recent global ghost), or found=false if none exists.
	GetLatestGhostLog(ctx context.Context, convID *string, contextType model.ContextType, now time.Time) (ghost *model.GhostLog, found bool, err error)
	DeleteExpiredGhostLogs(ctx context.Context, before time.Time) (int64, error)

	InsertAccessLogEntries(ctx context.Context, entries []model.AccessLogEntry) error
	RecentAccessLog(ctx context.Context, since time.Time) ([]model.AccessLogEntry, error)
	PruneAccessLog(ctx context.Context, before time.Time) (int64, error)

	ListCatalysts(ctx context.Context, limit int) ([]model.Memory, error)
	ListMemoriesByTier(ctx context.Context, tier model.Tier, limit int) ([]model.Memory, error)
	ListAllLive(ctx context.Context, limit int) ([]model.Memory, error)

	InsertReflection(ctx context.Context, r model.ReflectionRecord) error
	// ListReflections returns the most recent reflections, optionally
	// restricted to convID, newest first, bounded to limit.
	ListReflections(ctx context.Context, convID *string, limit int) ([]model.ReflectionRecord, error)

	GetConfigEntry(ctx context.Context, key string) (string, bool, error)
	SetConfigEntry(ctx context.Context, key, value string) error

	// MergeMemories soft-deletes absorbedID and persists survivor's updated
	// fields (content, embedding, metadata, phi) in one transaction.
	MergeMemories(ctx context.Context, survivor *model.Memory, absorbedID string, at time.Time) error

	Close()
}
