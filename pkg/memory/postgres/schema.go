// Package postgres provides the PostgreSQL-backed implementation of the
// kotoha conversation memory store.
//
// Transcript messages and memory snapshots share a single [pgxpool.Pool].
// Each message row carries a pgvector embedding so stored conversations can
// be searched semantically. The pgvector extension must be available in the
// target database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AppendMessage(ctx, sessionID, memory.SenderUser, "hello", nil, nil)
//	hits, _ := store.SearchConversations(ctx, "what did we say about rain?", 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMessages returns the transcript DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    sender      TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    files       TEXT[]       NOT NULL DEFAULT '{}',
    extras      JSONB        NOT NULL DEFAULT '{}',
    participant TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_id
    ON conversation_messages (session_id);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_timestamp
    ON conversation_messages (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_embedding
    ON conversation_messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS memory_snapshots (
    id          BIGSERIAL    PRIMARY KEY,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_snapshots_created_at
    ON memory_snapshots (created_at);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlMessages(embeddingDimensions),
		ddlSnapshots,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
