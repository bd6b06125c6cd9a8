// Package pgstore provides the PostgreSQL + pgvector persistence layer for
// the knowledge base: documents, their embedded chunks, and the similarity
// search operations built on them.
//
// The pgvector extension must be available in the target database; Migrate
// installs it via CREATE EXTENSION IF NOT EXISTS and creates an HNSW index
// over the chunk vectors using cosine distance.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS knowledge_documents (
    id          BIGSERIAL    PRIMARY KEY,
    source_url  TEXT         NOT NULL UNIQUE,
    source_type TEXT         NOT NULL DEFAULT '',
    title       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_documents_source_type
    ON knowledge_documents (source_type);
`

const ddlChunksFmt = `
CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id              BIGSERIAL    PRIMARY KEY,
    document_id     BIGINT       NOT NULL REFERENCES knowledge_documents (id) ON DELETE CASCADE,
    chunk_text      TEXT         NOT NULL,
    chunk_index     INT          NOT NULL,
    embedding       VECTOR(%d),
    embedding_model TEXT         NOT NULL DEFAULT '',
    metadata        JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_document_id
    ON knowledge_chunks (document_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding_hnsw
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`

const ddlRefreshRuns = `
CREATE TABLE IF NOT EXISTS refresh_runs (
    id         BIGSERIAL    PRIMARY KEY,
    started_at TIMESTAMPTZ  NOT NULL,
    duration   BIGINT       NOT NULL,
    processed  INT          NOT NULL,
    updated    INT          NOT NULL,
    errors     JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_refresh_runs_started_at
    ON refresh_runs (started_at DESC);
`

// Migrate ensures the pgvector extension, tables and indexes exist.
// embeddingDimensions must match the embedding model's output dimension;
// changing it after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("pgstore: embedding dimensions must be positive, got %d", embeddingDimensions)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgstore: create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlDocuments); err != nil {
		return fmt.Errorf("pgstore: create documents table: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlChunksFmt, embeddingDimensions)); err != nil {
		return fmt.Errorf("pgstore: create chunks table: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlRefreshRuns); err != nil {
		return fmt.Errorf("pgstore: create refresh_runs table: %w", err)
	}
	return nil
}
