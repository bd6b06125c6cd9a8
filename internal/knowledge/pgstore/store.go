package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/attunevoice/attune/internal/knowledge/chunker"
	"github.com/attunevoice/attune/pkg/embeddings"
)

// Hybrid search weights: vector similarity dominates; the keyword signal is a
// constant boost when the chunk text contains the raw query substring.
const (
	hybridVectorWeight  = 0.7
	hybridKeywordWeight = 0.3
)

// Document is a knowledge source with its metadata.
type Document struct {
	ID         int64
	SourceURL  string
	SourceType string
	Title      string
	Content    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SearchResult is one chunk hit joined back to its parent document.
type SearchResult struct {
	ChunkID    int64
	DocumentID int64
	ChunkText  string
	ChunkIndex int

	// Similarity is 1 − cosine distance for vector search, or the combined
	// weighted score for hybrid search.
	Similarity float64

	Title      string
	SourceURL  string
	SourceType string
}

// SearchOptions tune the search operations.
type SearchOptions struct {
	// Limit caps the number of results; defaults to 5.
	Limit int

	// Threshold drops results whose similarity does not exceed it.
	Threshold float64

	// SourceTypes, when non-empty, restricts results to documents of the
	// given types.
	SourceTypes []string
}

func (o *SearchOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 5
	}
}

// Store is the PostgreSQL-backed vector store. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs Migrate using the embedder's vector dimension.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool for collaborators that share
// the database, such as durable session records and readiness checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// IngestDocument stores a document and its embedded chunks. Re-ingesting an
// existing source URL replaces the old chunks; the document upsert, the chunk
// delete and all chunk inserts run in one transaction.
func (s *Store) IngestDocument(ctx context.Context, doc Document, chunks []chunker.EmbeddedChunk) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgstore: begin ingest: %w", err)
	}
	defer tx.Rollback(ctx)

	var docID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO knowledge_documents (source_url, source_type, title, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_url) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			title       = EXCLUDED.title,
			content     = EXCLUDED.content,
			updated_at  = now()
		RETURNING id`,
		doc.SourceURL, doc.SourceType, doc.Title, doc.Content,
	).Scan(&docID)
	if err != nil {
		return 0, fmt.Errorf("pgstore: upsert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE document_id = $1`, docID); err != nil {
		return 0, fmt.Errorf("pgstore: delete stale chunks: %w", err)
	}

	model := s.embedder.ModelID()
	for _, c := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO knowledge_chunks (document_id, chunk_text, chunk_index, embedding, embedding_model)
			VALUES ($1, $2, $3, $4, $5)`,
			docID, c.Text, c.Index, pgvector.NewVector(c.Embedding), model,
		)
		if err != nil {
			return 0, fmt.Errorf("pgstore: insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("pgstore: commit ingest: %w", err)
	}
	return docID, nil
}

// Search embeds the query and returns the top-K chunks whose cosine
// similarity to it exceeds opts.Threshold, best first.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	opts.applyDefaults()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: embed query: %w", err)
	}

	sql, args := buildSearchQuery(vec, opts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByPos[SearchResult])
	if err != nil {
		return nil, fmt.Errorf("pgstore: collect search rows: %w", err)
	}
	return results, nil
}

// HybridSearch combines vector similarity with a keyword containment boost.
func (s *Store) HybridSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	opts.applyDefaults()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: embed query: %w", err)
	}

	sql, args := buildHybridQuery(vec, query, opts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: hybrid search: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByPos[SearchResult])
	if err != nil {
		return nil, fmt.Errorf("pgstore: collect hybrid rows: %w", err)
	}
	return results, nil
}

// FindSimilarDocuments averages the given document's chunk vectors into a
// centroid and searches chunks belonging to other documents.
func (s *Store) FindSimilarDocuments(ctx context.Context, documentID int64, opts SearchOptions) ([]SearchResult, error) {
	opts.applyDefaults()

	var centroid pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(embedding)::vector
		FROM knowledge_chunks
		WHERE document_id = $1 AND embedding IS NOT NULL`,
		documentID,
	).Scan(&centroid)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("pgstore: document %d has no embedded chunks", documentID)
		}
		return nil, fmt.Errorf("pgstore: document centroid: %w", err)
	}

	sql, args := buildSimilarQuery(centroid.Slice(), documentID, opts)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: similar documents: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByPos[SearchResult])
	if err != nil {
		return nil, fmt.Errorf("pgstore: collect similar rows: %w", err)
	}
	return results, nil
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, id int64) (Document, error) {
	var d Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_url, source_type, title, content, created_at, updated_at
		FROM knowledge_documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.SourceURL, &d.SourceType, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("pgstore: get document %d: %w", id, err)
	}
	return d, nil
}

// RecordRefresh persists one knowledge refresh run for operational
// visibility.
func (s *Store) RecordRefresh(ctx context.Context, startedAt time.Time, duration time.Duration, processed, updated int, errs []string) error {
	if errs == nil {
		errs = []string{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("pgstore: marshal refresh errors: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO refresh_runs (started_at, duration, processed, updated, errors)
		VALUES ($1, $2, $3, $4, $5)`,
		startedAt, duration.Nanoseconds(), processed, updated, errJSON,
	)
	if err != nil {
		return fmt.Errorf("pgstore: record refresh: %w", err)
	}
	return nil
}

// DocumentCount reports how many documents are stored.
func (s *Store) DocumentCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: document count: %w", err)
	}
	return n, nil
}

// ─── query builders ───

// buildSearchQuery produces the vector search SQL. Argument order: vector,
// threshold, then optional source types, then the limit.
func buildSearchQuery(vec []float32, opts SearchOptions) (string, []any) {
	return buildVectorQuery(vec, 0, opts)
}

// buildSimilarQuery is buildSearchQuery restricted to chunks of documents
// other than excludeDoc.
func buildSimilarQuery(vec []float32, excludeDoc int64, opts SearchOptions) (string, []any) {
	return buildVectorQuery(vec, excludeDoc, opts)
}

func buildVectorQuery(vec []float32, excludeDoc int64, opts SearchOptions) (string, []any) {
	var b strings.Builder
	args := []any{pgvector.NewVector(vec), opts.Threshold}

	b.WriteString(`
		SELECT c.id, c.document_id, c.chunk_text, c.chunk_index,
		       (1 - (c.embedding <=> $1))::float8 AS similarity,
		       d.title, d.source_url, d.source_type
		FROM knowledge_chunks c
		JOIN knowledge_documents d ON d.id = c.document_id
		WHERE (1 - (c.embedding <=> $1)) > $2`)

	if excludeDoc != 0 {
		args = append(args, excludeDoc)
		fmt.Fprintf(&b, " AND c.document_id <> $%d", len(args))
	}
	if len(opts.SourceTypes) > 0 {
		args = append(args, opts.SourceTypes)
		fmt.Fprintf(&b, " AND d.source_type = ANY($%d)", len(args))
	}

	args = append(args, opts.Limit)
	fmt.Fprintf(&b, `
		ORDER BY c.embedding <=> $1
		LIMIT $%d`, len(args))

	return b.String(), args
}

// buildHybridQuery produces the hybrid search SQL: weighted vector similarity
// plus a constant keyword boost when the chunk contains the raw query.
func buildHybridQuery(vec []float32, query string, opts SearchOptions) (string, []any) {
	var b strings.Builder
	args := []any{pgvector.NewVector(vec), query, opts.Threshold}

	fmt.Fprintf(&b, `
		SELECT c.id, c.document_id, c.chunk_text, c.chunk_index,
		       (%f * (1 - (c.embedding <=> $1)) +
		        %f * (CASE WHEN position(lower($2) in lower(c.chunk_text)) > 0 THEN 1 ELSE 0 END))::float8 AS similarity,
		       d.title, d.source_url, d.source_type
		FROM knowledge_chunks c
		JOIN knowledge_documents d ON d.id = c.document_id
		WHERE (1 - (c.embedding <=> $1)) > $3`,
		hybridVectorWeight, hybridKeywordWeight)

	if len(opts.SourceTypes) > 0 {
		args = append(args, opts.SourceTypes)
		fmt.Fprintf(&b, " AND d.source_type = ANY($%d)", len(args))
	}

	args = append(args, opts.Limit)
	fmt.Fprintf(&b, `
		ORDER BY similarity DESC
		LIMIT $%d`, len(args))

	return b.String(), args
}
