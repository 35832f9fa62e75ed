package databases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/jcbbge/anima/internal/memory/errs"
	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/storage"
)

// Store is the Postgres/pgvector implementation of storage.Store, grounded
// on evolving_memory_store_postgres.go's pgEvolvingMemoryStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New wraps an already-open pool. Callers typically obtain pool via
// OpenPool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func metadataToJSON(m model.Metadata) ([]byte, error) { return json.Marshal(m) }

func metadataFromJSON(b []byte) (model.Metadata, error) {
	var m model.Metadata
	if len(b) == 0 {
		return m, nil
	}
	err := json.Unmarshal(b, &m)
	return m, err
}

const memoryColumns = `id, content, content_hash, embedding, tier, tier_last_updated,
	access_count, last_accessed, accessed_in_conversation_ids, resonance_phi, is_catalyst,
	category, tags, source, metadata, conversation_id, embedding_provenance,
	created_at, updated_at, deleted_at`

func scanMemory(row pgx.Row) (*model.Memory, error) {
	var (
		m        model.Memory
		id       uuid.UUID
		vec      pgvector.Vector
		metaJSON []byte
	)
	if err := row.Scan(
		&id, &m.Content, &m.ContentHash, &vec, &m.Tier, &m.TierLastUpdated,
		&m.AccessCount, &m.LastAccessed, &m.AccessedInConversationIDs, &m.ResonancePhi, &m.IsCatalyst,
		&m.Category, &m.Tags, &m.Source, &metaJSON, &m.ConversationID, &m.EmbeddingProvenance,
		&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	); err != nil {
		return nil, err
	}
	m.ID = id.String()
	m.Embedding = vec.Slice()
	meta, err := metadataFromJSON(metaJSON)
	if err != nil {
		return nil, err
	}
	m.Metadata = meta
	return &m, nil
}

func (s *Store) InsertMemory(ctx context.Context, m *model.Memory) (*model.Memory, bool, error) {
	if existing, err := s.GetMemoryByContentHash(ctx, m.ContentHash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, errs.ErrMemoryNotFound) {
		return nil, false, err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	metaJSON, err := metadataToJSON(m.Metadata)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorageFailed, "marshal metadata", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO memories (id, content, content_hash, embedding, tier, tier_last_updated,
	access_count, last_accessed, accessed_in_conversation_ids, resonance_phi, is_catalyst,
	category, tags, source, metadata, conversation_id, embedding_provenance, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (content_hash) WHERE deleted_at IS NULL DO NOTHING`,
		m.ID, m.Content, m.ContentHash, pgvector.NewVector(m.Embedding), string(m.Tier), m.TierLastUpdated,
		m.AccessCount, m.LastAccessed, m.AccessedInConversationIDs, m.ResonancePhi, m.IsCatalyst,
		m.Category, m.Tags, m.Source, metaJSON, m.ConversationID, m.EmbeddingProvenance, now, now)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorageFailed, "insert memory", err)
	}

	existing, err := s.GetMemoryByContentHash(ctx, m.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, existing.ID == m.ID, nil
}

func (s *Store) GetMemoryByID(ctx context.Context, id string) (*model.Memory, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id=$1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrMemoryNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "get memory by id", err)
	}
	return m, nil
}

func (s *Store) GetMemoryByContentHash(ctx context.Context, hash string) (*model.Memory, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE content_hash=$1 AND deleted_at IS NULL`, hash)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrMemoryNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "get memory by hash", err)
	}
	return m, nil
}

func (s *Store) UpdateMemory(ctx context.Context, m *model.Memory) error {
	metaJSON, err := metadataToJSON(m.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "marshal metadata", err)
	}
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE memories SET content=$2, embedding=$3, tier=$4, tier_last_updated=$5, access_count=$6,
	last_accessed=$7, accessed_in_conversation_ids=$8, resonance_phi=$9, is_catalyst=$10,
	category=$11, tags=$12, source=$13, metadata=$14, embedding_provenance=$15, updated_at=$16
WHERE id=$1`,
		m.ID, m.Content, pgvector.NewVector(m.Embedding), string(m.Tier), m.TierLastUpdated, m.AccessCount,
		m.LastAccessed, m.AccessedInConversationIDs, m.ResonancePhi, m.IsCatalyst,
		m.Category, m.Tags, m.Source, metaJSON, m.EmbeddingProvenance, m.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "update memory", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrMemoryNotFound
	}
	return nil
}

func (s *Store) SoftDeleteMemory(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE memories SET deleted_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "soft delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrMemoryNotFound
	}
	return nil
}

func (s *Store) QueryByEmbedding(ctx context.Context, vector []float32, topK int, tiers []model.Tier) ([]storage.ScoredMemory, error) {
	if topK <= 0 {
		topK = 10
	}
	query := `SELECT ` + memoryColumns + `, 1 - (embedding <=> $1::vector) AS similarity
FROM memories WHERE deleted_at IS NULL`
	args := []any{pgvector.NewVector(vector)}
	if len(tiers) > 0 {
		tierStrs := make([]string, len(tiers))
		for i, t := range tiers {
			tierStrs[i] = string(t)
		}
		query += fmt.Sprintf(" AND tier = ANY($%d)", len(args)+1)
		args = append(args, tierStrs)
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "query by embedding", err)
	}
	defer rows.Close()

	out := make([]storage.ScoredMemory, 0, topK)
	for rows.Next() {
		var (
			id       uuid.UUID
			m        model.Memory
			vec      pgvector.Vector
			metaJSON []byte
			sim      float64
		)
		if err := rows.Scan(
			&id, &m.Content, &m.ContentHash, &vec, &m.Tier, &m.TierLastUpdated,
			&m.AccessCount, &m.LastAccessed, &m.AccessedInConversationIDs, &m.ResonancePhi, &m.IsCatalyst,
			&m.Category, &m.Tags, &m.Source, &metaJSON, &m.ConversationID, &m.EmbeddingProvenance,
			&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt, &sim,
		); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan query result", err)
		}
		m.ID = id.String()
		m.Embedding = vec.Slice()
		meta, err := metadataFromJSON(metaJSON)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "unmarshal metadata", err)
		}
		m.Metadata = meta
		out = append(out, storage.ScoredMemory{Memory: m, Similarity: sim})
	}
	return out, rows.Err()
}

func (s *Store) RecordAccess(ctx context.Context, memoryID string, conversationID *string, at time.Time) (*model.Memory, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE memories SET
	access_count = access_count + 1,
	last_accessed = $2,
	updated_at = $2,
	accessed_in_conversation_ids = CASE
		WHEN $3::text IS NULL THEN accessed_in_conversation_ids
		WHEN $3 = ANY(accessed_in_conversation_ids) THEN accessed_in_conversation_ids
		ELSE array_append(accessed_in_conversation_ids, $3)
	END
WHERE id=$1 AND deleted_at IS NULL`, memoryID, at, conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "record access", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrMemoryNotFound
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO memory_access_log(memory_id, accessed_at) VALUES ($1,$2)`, memoryID, at); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "insert access log", err)
	}
	return s.GetMemoryByID(ctx, memoryID)
}

func (s *Store) UpsertAssociations(ctx context.Context, assocs []model.Association) error {
	const batchSize = 1000
	for start := 0; start < len(assocs); start += batchSize {
		end := start + batchSize
		if end > len(assocs) {
			end = len(assocs)
		}
		if err := s.upsertAssociationBatch(ctx, assocs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertAssociationBatch(ctx context.Context, batch []model.Association) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "begin association batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	queued := &pgx.Batch{}
	for _, a := range batch {
		lo, hi := model.OrderedPair(a.MemoryA, a.MemoryB)
		queued.Queue(`
INSERT INTO memory_associations (memory_a, memory_b, co_occurrence_count, strength,
	first_co_occurred_at, last_co_occurred_at, conversation_contexts)
VALUES ($1,$2,$3,$4,$5,$5,$6)
ON CONFLICT (memory_a, memory_b) DO UPDATE SET
	co_occurrence_count = memory_associations.co_occurrence_count + EXCLUDED.co_occurrence_count,
	strength = EXCLUDED.strength,
	last_co_occurred_at = EXCLUDED.last_co_occurred_at,
	conversation_contexts = (
		SELECT array_agg(DISTINCT x) FROM unnest(memory_associations.conversation_contexts || EXCLUDED.conversation_contexts) AS x
	)`,
			lo, hi, a.CoOccurrenceCount, a.Strength, a.LastCoOccurredAt, a.ConversationContexts)
	}
	if err := tx.SendBatch(ctx, queued).Close(); err != nil {
		return errs.Wrap(errs.KindStorageFailed, "upsert association", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindStorageFailed, "commit association batch", err)
	}
	return nil
}

func (s *Store) GetAssociation(ctx context.Context, a, b string) (*model.Association, bool, error) {
	lo, hi := model.OrderedPair(a, b)
	row := s.pool.QueryRow(ctx, `
SELECT memory_a, memory_b, co_occurrence_count, strength, first_co_occurred_at, last_co_occurred_at, conversation_contexts
FROM memory_associations WHERE memory_a=$1 AND memory_b=$2`, lo, hi)
	var assoc model.Association
	if err := row.Scan(&assoc.MemoryA, &assoc.MemoryB, &assoc.CoOccurrenceCount, &assoc.Strength,
		&assoc.FirstCoOccurredAt, &assoc.LastCoOccurredAt, &assoc.ConversationContexts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindStorageFailed, "get association", err)
	}
	return &assoc, true, nil
}

func (s *Store) ListAssociationsForMemory(ctx context.Context, memoryID string) ([]model.Association, error) {
	rows, err := s.pool.Query(ctx, `
SELECT memory_a, memory_b, co_occurrence_count, strength, first_co_occurred_at, last_co_occurred_at, conversation_contexts
FROM memory_associations WHERE memory_a=$1 OR memory_b=$1`, memoryID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "list associations", err)
	}
	defer rows.Close()

	var out []model.Association
	for rows.Next() {
		var a model.Association
		if err := rows.Scan(&a.MemoryA, &a.MemoryB, &a.CoOccurrenceCount, &a.Strength,
			&a.FirstCoOccurredAt, &a.LastCoOccurredAt, &a.ConversationContexts); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan association", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FindHubs(ctx context.Context, minDegree, limit int) ([]storage.Hub, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
WITH degrees AS (
	SELECT memory_a AS id, COUNT(*) AS degree FROM memory_associations
	JOIN memories m ON m.id = memory_b AND m.deleted_at IS NULL
	GROUP BY memory_a
	UNION ALL
	SELECT memory_b AS id, COUNT(*) AS degree FROM memory_associations
	JOIN memories m ON m.id = memory_a AND m.deleted_at IS NULL
	GROUP BY memory_b
), totals AS (
	SELECT id, SUM(degree) AS degree FROM degrees GROUP BY id
)
SELECT `+memoryColumns+`, totals.degree FROM memories
JOIN totals ON totals.id = memories.id
WHERE memories.deleted_at IS NULL AND totals.degree >= $1
ORDER BY totals.degree DESC LIMIT $2`, minDegree, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "find hubs", err)
	}
	defer rows.Close()

	var out []storage.Hub
	for rows.Next() {
		var (
			id       uuid.UUID
			m        model.Memory
			vec      pgvector.Vector
			metaJSON []byte
			degree   int
		)
		if err := rows.Scan(
			&id, &m.Content, &m.ContentHash, &vec, &m.Tier, &m.TierLastUpdated,
			&m.AccessCount, &m.LastAccessed, &m.AccessedInConversationIDs, &m.ResonancePhi, &m.IsCatalyst,
			&m.Category, &m.Tags, &m.Source, &metaJSON, &m.ConversationID, &m.EmbeddingProvenance,
			&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt, &degree,
		); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan hub", err)
		}
		m.ID = id.String()
		m.Embedding = vec.Slice()
		meta, err := metadataFromJSON(metaJSON)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "unmarshal hub metadata", err)
		}
		m.Metadata = meta
		out = append(out, storage.Hub{Memory: m, Degree: degree})
	}
	return out, rows.Err()
}

// pgTx adapts a pgx.Tx to storage.Tx, grounded on evolving_memory_store_postgres.go's
// BeginTx/defer Rollback/Commit discipline.
type pgTx struct{ tx pgx.Tx }

func (t pgTx) UpdateMemory(ctx context.Context, m *model.Memory) error {
	metaJSON, err := metadataToJSON(m.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "marshal metadata", err)
	}
	m.UpdatedAt = time.Now().UTC()
	_, err = t.tx.Exec(ctx, `
UPDATE memories SET content=$2, embedding=$3, tier=$4, tier_last_updated=$5, access_count=$6,
	last_accessed=$7, accessed_in_conversation_ids=$8, resonance_phi=$9, is_catalyst=$10,
	category=$11, tags=$12, source=$13, metadata=$14, embedding_provenance=$15, updated_at=$16
WHERE id=$1`,
		m.ID, m.Content, pgvector.NewVector(m.Embedding), string(m.Tier), m.TierLastUpdated, m.AccessCount,
		m.LastAccessed, m.AccessedInConversationIDs, m.ResonancePhi, m.IsCatalyst,
		m.Category, m.Tags, m.Source, metaJSON, m.EmbeddingProvenance, m.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "tx update memory", err)
	}
	return nil
}

func (t pgTx) SoftDeleteMemory(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE memories SET deleted_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "tx soft delete memory", err)
	}
	return nil
}

func (t pgTx) InsertTierPromotion(ctx context.Context, p model.TierPromotion) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO tier_promotions (id, memory_id, from_tier, to_tier, reason, access_count_at_promote, days_since_last_access, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.MemoryID, string(p.FromTier), string(p.ToTier), string(p.Reason),
		p.AccessCountAtPromote, p.DaysSinceLastAccess, p.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "insert tier promotion", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindStorageFailed, "commit tx", err)
	}
	return nil
}

func (s *Store) InsertGhostLog(ctx context.Context, g model.GhostLog) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO ghost_logs (id, prompt_text, top_phi_memories, top_phi_values, synthesis_method,
	conversation_id, context_type, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.PromptText, g.TopPhiMemories, g.TopPhiValues, g.SynthesisMethod,
		g.ConversationID, string(g.ContextType), g.CreatedAt, g.ExpiresAt)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "insert ghost log", err)
	}
	return nil
}

func (s *Store) GetGhostLog(ctx context.Context, id string) (*model.GhostLog, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, prompt_text, top_phi_memories, top_phi_values, synthesis_method, conversation_id, context_type, created_at, expires_at
FROM ghost_logs WHERE id=$1`, id)
	var g model.GhostLog
	var idu uuid.UUID
	if err := row.Scan(&idu, &g.PromptText, &g.TopPhiMemories, &g.TopPhiValues, &g.SynthesisMethod,
		&g.ConversationID, &g.ContextType, &g.CreatedAt, &g.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrCacheMiss
		}
		return nil, errs.Wrap(errs.KindStorageFailed, "get ghost log", err)
	}
	g.ID = idu.String()
	return &g, nil
}

func (s *Store) GetLatestGhostLog(ctx context.Context, convID *string, contextType model.ContextType, now time.Time) (*model.GhostLog, bool, error) {
	query := `
SELECT id, prompt_text, top_phi_memories, top_phi_values, synthesis_method, conversation_id, context_type, created_at, expires_at
FROM ghost_logs
WHERE context_type = $1 AND expires_at >= $2`
	args := []any{string(contextType), now}
	if convID != nil {
		query += ` AND conversation_id = $3`
		args = append(args, *convID)
	} else {
		query += ` AND conversation_id IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	row := s.pool.QueryRow(ctx, query, args...)
	var g model.GhostLog
	var idu uuid.UUID
	if err := row.Scan(&idu, &g.PromptText, &g.TopPhiMemories, &g.TopPhiValues, &g.SynthesisMethod,
		&g.ConversationID, &g.ContextType, &g.CreatedAt, &g.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindStorageFailed, "get latest ghost log", err)
	}
	g.ID = idu.String()
	return &g, true, nil
}

func (s *Store) DeleteExpiredGhostLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ghost_logs WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageFailed, "delete expired ghost logs", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertAccessLogEntries(ctx context.Context, entries []model.AccessLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO memory_access_log(memory_id, accessed_at) VALUES ($1,$2)`, e.MemoryID, e.AccessedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return errs.Wrap(errs.KindStorageFailed, "insert access log batch", err)
		}
	}
	return nil
}

func (s *Store) RecentAccessLog(ctx context.Context, since time.Time) ([]model.AccessLogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT memory_id, accessed_at FROM memory_access_log WHERE accessed_at > $1`, since)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "recent access log", err)
	}
	defer rows.Close()
	var out []model.AccessLogEntry
	for rows.Next() {
		var e model.AccessLogEntry
		if err := rows.Scan(&e.MemoryID, &e.AccessedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan access log", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PruneAccessLog(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_access_log WHERE accessed_at < $1`, before)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageFailed, "prune access log", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListCatalysts(ctx context.Context, limit int) ([]model.Memory, error) {
	return s.listQuery(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE is_catalyst = TRUE AND deleted_at IS NULL ORDER BY resonance_phi DESC LIMIT $1`, limit)
}

func (s *Store) ListMemoriesByTier(ctx context.Context, tier model.Tier, limit int) ([]model.Memory, error) {
	return s.listQuery(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE tier = $2 AND deleted_at IS NULL LIMIT $1`, limit, string(tier))
}

func (s *Store) ListAllLive(ctx context.Context, limit int) ([]model.Memory, error) {
	return s.listQuery(ctx, `SELECT `+memoryColumns+` FROM memories WHERE deleted_at IS NULL LIMIT $1`, limit)
}

func (s *Store) listQuery(ctx context.Context, query string, limit int, extraArgs ...any) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	args := append([]any{limit}, extraArgs...)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "list memories", err)
	}
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan memory list", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) InsertReflection(ctx context.Context, r model.ReflectionRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	metricsJSON, err := json.Marshal(r.Metrics)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "marshal reflection metrics", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO meta_reflections (id, reflection_type, conversation_id, metrics, insights, recommendations, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.ReflectionType, r.ConversationID, metricsJSON, r.Insights, r.Recommendations, r.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "insert reflection", err)
	}
	return nil
}

func (s *Store) ListReflections(ctx context.Context, convID *string, limit int) ([]model.ReflectionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, reflection_type, conversation_id, metrics, insights, recommendations, created_at
FROM meta_reflections`
	args := []any{limit}
	if convID != nil {
		query += ` WHERE conversation_id = $2`
		args = append(args, *convID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailed, "list reflections", err)
	}
	defer rows.Close()

	var out []model.ReflectionRecord
	for rows.Next() {
		var r model.ReflectionRecord
		var metricsJSON []byte
		if err := rows.Scan(&r.ID, &r.ReflectionType, &r.ConversationID, &metricsJSON, &r.Insights, &r.Recommendations, &r.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailed, "scan reflection", err)
		}
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &r.Metrics); err != nil {
				return nil, errs.Wrap(errs.KindStorageFailed, "unmarshal reflection metrics", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetConfigEntry(ctx context.Context, key string) (string, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT value FROM config_entries WHERE key=$1`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.KindStorageFailed, "get config entry", err)
	}
	return v, true, nil
}

func (s *Store) SetConfigEntry(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO config_entries (key, value, updated_at) VALUES ($1,$2,NOW())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailed, "set config entry", err)
	}
	return nil
}

func (s *Store) MergeMemories(ctx context.Context, survivor *model.Memory, absorbedID string, at time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		survivor.UpdatedAt = at
		if err := tx.UpdateMemory(ctx, survivor); err != nil {
			return err
		}
		return tx.SoftDeleteMemory(ctx, absorbedID, at)
	})
}
