// Package knowledge glues the chunking, embedding and storage layers into a
// document ingestion pipeline.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attunevoice/attune/internal/knowledge/chunker"
	"github.com/attunevoice/attune/internal/knowledge/pgstore"
)

// SourceDocument is raw fetched content before ingestion.
type SourceDocument struct {
	SourceURL  string
	SourceType string
	Title      string
	Content    string
}

// Ingestor turns source documents into embedded chunks in the vector store.
type Ingestor struct {
	store    *pgstore.Store
	embedder *chunker.Embedder
	chunkCfg chunker.Config
	log      *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(store *pgstore.Store, embedder *chunker.Embedder, chunkCfg chunker.Config, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:    store,
		embedder: embedder,
		chunkCfg: chunkCfg,
		log:      log.With("component", "ingest"),
	}
}

// IngestSource chunks, embeds and stores one document. Re-ingesting a known
// source URL replaces its chunks transactionally.
func (ing *Ingestor) IngestSource(ctx context.Context, doc SourceDocument) error {
	chunks := chunker.Split(doc.Content, ing.chunkCfg)
	if len(chunks) == 0 {
		return fmt.Errorf("knowledge: document %q produced no chunks", doc.SourceURL)
	}

	embedded, err := ing.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("knowledge: embed %q: %w", doc.SourceURL, err)
	}

	docID, err := ing.store.IngestDocument(ctx, pgstore.Document{
		SourceURL:  doc.SourceURL,
		SourceType: doc.SourceType,
		Title:      doc.Title,
		Content:    doc.Content,
	}, embedded.Chunks)
	if err != nil {
		return err
	}

	ing.log.Info("document ingested",
		"source", doc.SourceURL,
		"document_id", docID,
		"chunks", len(embedded.Chunks),
		"est_tokens", embedded.TotalTokens)
	return nil
}
