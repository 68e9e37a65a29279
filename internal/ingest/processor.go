package ingest

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/docquery/docquery/internal/chunker"
	"github.com/docquery/docquery/internal/store"
)

// DocumentStore is the persistence surface ingestion needs.
type DocumentStore interface {
	SetDocumentStatus(ctx context.Context, id int64, status, errMsg string) error
	SetDocumentChunkCount(ctx context.Context, id int64, n int) error
	InsertChunks(ctx context.Context, documentID int64, chunks []store.Chunk) ([]int64, error)
	DeleteDocument(ctx context.Context, id int64) error
	SurvivingEmbeddings(ctx context.Context) ([]int64, [][]float32, error)
}

// Index is the vector-index surface ingestion needs.
type Index interface {
	Add(vectors [][]float32, ids []int64) (int, error)
	Rebuild(vectors [][]float32, ids []int64) error
	Save() error
}

// Embedder produces chunk embeddings.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache avoids re-embedding previously seen text. Invalidation keeps
// a principal's cached search results from outliving corpus changes.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, bool)
	SetEmbedding(ctx context.Context, text string, vec []float32)
	InvalidateQueries(ctx context.Context, principalID int64) (int, error)
}

// Processor drives a document through extraction, chunking, embedding,
// persistence and indexing.
type Processor struct {
	store    DocumentStore
	index    Index
	embedder Embedder
	cache    EmbeddingCache
	registry *Registry
	splitter *chunker.Splitter
	logger   *log.Logger
}

// NewProcessor wires the processor. cache may be nil.
func NewProcessor(st DocumentStore, index Index, embedder Embedder, cache EmbeddingCache, registry *Registry, splitter *chunker.Splitter, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Processor{
		store:    st,
		index:    index,
		embedder: embedder,
		cache:    cache,
		registry: registry,
		splitter: splitter,
		logger:   logger,
	}
}

// IngestDocument processes one uploaded file end to end. The document row
// must already exist in pending state; on any failure the row is marked
// failed with the error message and the error is returned.
func (p *Processor) IngestDocument(ctx context.Context, docID, ownerID int64, filename string, r io.Reader) error {
	if err := p.store.SetDocumentStatus(ctx, docID, store.DocumentStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if err := p.ingest(ctx, docID, ownerID, filename, r); err != nil {
		if markErr := p.store.SetDocumentStatus(ctx, docID, store.DocumentStatusFailed, err.Error()); markErr != nil {
			p.logger.Printf("warn: mark document %d failed: %v", docID, markErr)
		}
		return err
	}
	if err := p.store.SetDocumentStatus(ctx, docID, store.DocumentStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (p *Processor) ingest(ctx context.Context, docID, ownerID int64, filename string, r io.Reader) error {
	pages, err := p.registry.Extract(r, filename)
	if err != nil {
		return err
	}

	var chunks []chunker.Chunk
	if len(pages) == 1 && pages[0].Number == 0 {
		chunks = p.splitter.Chunk(pages[0].Text)
	} else {
		chunks = p.splitter.ChunkPages(pages)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("document produced no indexable content")
	}

	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	records := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		records[i] = store.Chunk{
			Index:      c.Index,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			PageNumber: c.PageNumber,
			Embedding:  vectors[i],
		}
	}
	ids, err := p.store.InsertChunks(ctx, docID, records)
	if err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}

	if _, err := p.index.Add(vectors, ids); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	if err := p.index.Save(); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	if err := p.store.SetDocumentChunkCount(ctx, docID, len(chunks)); err != nil {
		return fmt.Errorf("record chunk count: %w", err)
	}

	p.invalidateOwner(ctx, ownerID)
	p.logger.Printf("ingested document %d: %d chunks", docID, len(chunks))
	return nil
}

// embedChunks embeds every chunk, serving repeats from the embedding cache
// and sending only the misses to the provider in one batched call.
func (p *Processor) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, c := range chunks {
		if p.cache != nil {
			if vec, ok := p.cache.GetEmbedding(ctx, c.Content); ok {
				vectors[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, c.Content)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := p.embedder.CreateEmbedding(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(fresh))
	}
	for j, vec := range fresh {
		vectors[missIdx[j]] = vec
		if p.cache != nil {
			p.cache.SetEmbedding(ctx, missTexts[j], vec)
		}
	}
	return vectors, nil
}

// DeleteDocument removes a document's rows and rebuilds the vector index
// from the surviving embeddings, so deleted chunks stop being retrievable in
// a single atomic swap.
func (p *Processor) DeleteDocument(ctx context.Context, docID, ownerID int64) error {
	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	ids, vectors, err := p.store.SurvivingEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("collect surviving embeddings: %w", err)
	}
	if err := p.index.Rebuild(vectors, ids); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	p.invalidateOwner(ctx, ownerID)
	p.logger.Printf("deleted document %d, index rebuilt with %d vectors", docID, len(ids))
	return nil
}

func (p *Processor) invalidateOwner(ctx context.Context, ownerID int64) {
	if p.cache == nil || ownerID == 0 {
		return
	}
	if _, err := p.cache.InvalidateQueries(ctx, ownerID); err != nil {
		p.logger.Printf("warn: invalidate cached queries for principal %d: %v", ownerID, err)
	}
}
