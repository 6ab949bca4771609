// Package postgres is the PostgreSQL implementation of [memory.Store].
//
// Conversations and summaries live in two tables sharing a single
// [pgxpool.Pool]. Summary embeddings use the pgvector extension, which
// [Migrate] installs via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//	err = store.SaveConversation(ctx, conv, sum)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    patient_id  TEXT         NOT NULL,
    track_id    TEXT         NOT NULL DEFAULT '',
    speaker     TEXT         NOT NULL DEFAULT '',
    start_time  TIMESTAMPTZ  NOT NULL,
    end_time    TIMESTAMPTZ  NOT NULL,
    transcript  TEXT         NOT NULL,
    audio_path  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_start_time
    ON conversations (start_time DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_patient
    ON conversations (patient_id, start_time DESC);
`

// ddlSummaries returns the summaries DDL with the embedding dimension
// substituted. The dimension is fixed at schema creation time.
func ddlSummaries(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS summaries (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL UNIQUE REFERENCES conversations (id) ON DELETE CASCADE,
    generated_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    simple_summary   TEXT         NOT NULL,
    clinical         JSONB        NOT NULL DEFAULT '{}',
    embedding        vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_summaries_embedding
    ON summaries USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the tables and extensions the store needs. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the embeddings model of the deployment
// (1536 for text-embedding-3-small). Changing it after the first migration
// requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be > 0, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlConversations, ddlSummaries(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
