package databases

import "context"

const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id                  UUID PRIMARY KEY,
    content             TEXT NOT NULL,
    content_hash        TEXT NOT NULL,
    embedding           vector(768) NOT NULL,
    tier                TEXT NOT NULL DEFAULT 'active',
    tier_last_updated   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    access_count        BIGINT NOT NULL DEFAULT 0,
    last_accessed       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    accessed_in_conversation_ids TEXT[] NOT NULL DEFAULT '{}',
    resonance_phi       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    is_catalyst         BOOLEAN NOT NULL DEFAULT FALSE,
    category            TEXT NOT NULL DEFAULT '',
    tags                TEXT[] NOT NULL DEFAULT '{}',
    source              TEXT NOT NULL DEFAULT '',
    metadata            JSONB NOT NULL DEFAULT '{}'::jsonb,
    conversation_id     TEXT,
    embedding_provenance TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at          TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS memories_content_hash_live_idx
    ON memories(content_hash) WHERE deleted_at IS NULL;

CREATE INDEX IF NOT EXISTS memories_tier_idx ON memories(tier) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS memories_catalyst_idx ON memories(is_catalyst) WHERE deleted_at IS NULL AND is_catalyst;
CREATE INDEX IF NOT EXISTS memories_embedding_ivfflat_idx
    ON memories USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS memory_associations (
    memory_a              UUID NOT NULL,
    memory_b              UUID NOT NULL,
    co_occurrence_count    BIGINT NOT NULL DEFAULT 0,
    strength               DOUBLE PRECISION NOT NULL DEFAULT 0,
    first_co_occurred_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_co_occurred_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    conversation_contexts  TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (memory_a, memory_b),
    CHECK (memory_a < memory_b)
);

CREATE INDEX IF NOT EXISTS memory_associations_b_idx ON memory_associations(memory_b);

CREATE TABLE IF NOT EXISTS tier_promotions (
    id                       UUID PRIMARY KEY,
    memory_id                UUID NOT NULL,
    from_tier                TEXT NOT NULL,
    to_tier                  TEXT NOT NULL,
    reason                   TEXT NOT NULL,
    access_count_at_promote  BIGINT NOT NULL,
    days_since_last_access   DOUBLE PRECISION NOT NULL,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tier_promotions_memory_idx ON tier_promotions(memory_id, created_at DESC);

CREATE TABLE IF NOT EXISTS ghost_logs (
    id               UUID PRIMARY KEY,
    prompt_text      TEXT NOT NULL,
    top_phi_memories UUID[] NOT NULL DEFAULT '{}',
    top_phi_values   DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
    synthesis_method TEXT NOT NULL DEFAULT '',
    conversation_id  TEXT,
    context_type     TEXT NOT NULL DEFAULT 'global',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ghost_logs_expires_idx ON ghost_logs(expires_at);

CREATE TABLE IF NOT EXISTS memory_access_log (
    memory_id    UUID NOT NULL,
    accessed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS memory_access_log_time_idx ON memory_access_log(accessed_at);

CREATE TABLE IF NOT EXISTS meta_reflections (
    id              UUID PRIMARY KEY,
    reflection_type TEXT NOT NULL,
    conversation_id TEXT,
    metrics         JSONB NOT NULL DEFAULT '{}'::jsonb,
    insights        TEXT[] NOT NULL DEFAULT '{}',
    recommendations TEXT[] NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS config_entries (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates every table and index the engine needs, the same way
// the teacher's evolving memory store idempotently creates its own table:
// plain CREATE TABLE IF NOT EXISTS, safe to run on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}
