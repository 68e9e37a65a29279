package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/internal/vectorindex"
)

var searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docquery_search_duration_seconds",
	Help:    "Search latency by mode, cache hits excluded.",
	Buckets: prometheus.DefBuckets,
}, []string{"mode"})

// ErrEmptyQuery rejects blank queries before any branch runs.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrBadMode rejects unknown search modes.
var ErrBadMode = errors.New("search_type must be vector, lexical or hybrid")

// ChunkStore is the relational side of retrieval.
type ChunkStore interface {
	SearchChunksLexical(ctx context.Context, query string, limit int, ownerID int64, admin bool) ([]store.LexicalHit, error)
	ChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.ChunkDetail, error)
}

// VectorSearcher is the nearest-neighbor side of retrieval.
type VectorSearcher interface {
	Search(query []float32, k int) ([]vectorindex.Hit, error)
}

// Embedder produces the query vector.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// ResultCache is the subset of the cache layer the engine uses. A nil cache
// disables caching entirely.
type ResultCache interface {
	QueryKey(principalID int64, query string, k int, mode string, alpha float64) string
	GetQuery(ctx context.Context, key string) ([]byte, bool)
	SetQuery(ctx context.Context, key string, payload []byte)
	GetEmbedding(ctx context.Context, text string) ([]float32, bool)
	SetEmbedding(ctx context.Context, text string, vec []float32)
}

// Engine runs searches over the two branches and fuses their rankings.
type Engine struct {
	store    ChunkStore
	index    VectorSearcher
	embedder Embedder
	cache    ResultCache
	logger   *log.Logger
}

// NewEngine wires the engine. cache may be nil.
func NewEngine(st ChunkStore, index VectorSearcher, embedder Embedder, cache ResultCache, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Engine{store: st, index: index, embedder: embedder, cache: cache, logger: logger}
}

// Search executes one retrieval request for the principal. Visibility is
// enforced inside each branch: rankings are computed over the chunks the
// principal is allowed to see, never filtered afterwards.
func (e *Engine) Search(ctx context.Context, req Request, principal Principal) (Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Response{}, ErrEmptyQuery
	}
	if req.K <= 0 {
		req.K = DefaultK
	}
	if req.K > MaxK {
		req.K = MaxK
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Mode != ModeVector && req.Mode != ModeLexical && req.Mode != ModeHybrid {
		return Response{}, ErrBadMode
	}
	if req.Alpha < 0 {
		req.Alpha = 0
	}
	if req.Alpha > 1 {
		req.Alpha = 1
	}

	useCache := e.cache != nil && principal.ID != 0
	var cacheKey string
	if useCache {
		cacheKey = e.cache.QueryKey(principal.ID, req.Query, req.K, req.Mode, req.Alpha)
		if payload, ok := e.cache.GetQuery(ctx, cacheKey); ok {
			var resp Response
			if err := json.Unmarshal(payload, &resp); err == nil {
				resp.FromCache = true
				return resp, nil
			}
			e.logger.Printf("warn: discarding undecodable cached result")
		}
	}

	started := time.Now()
	resp, err := e.run(ctx, req, principal)
	if err != nil {
		return Response{}, err
	}
	searchDuration.WithLabelValues(req.Mode).Observe(time.Since(started).Seconds())

	if useCache {
		if payload, err := json.Marshal(resp); err == nil {
			e.cache.SetQuery(ctx, cacheKey, payload)
		}
	}
	return resp, nil
}

func (e *Engine) run(ctx context.Context, req Request, principal Principal) (Response, error) {
	fetch := req.K * fetchMultiplier

	switch req.Mode {
	case ModeVector:
		hits, details, err := e.vectorBranch(ctx, req.Query, fetch, principal)
		if err != nil {
			return Response{}, err
		}
		return e.vectorOnly(req, hits, details), nil

	case ModeLexical:
		hits, err := e.store.SearchChunksLexical(ctx, req.Query, fetch, principal.ID, principal.Admin)
		if err != nil {
			return Response{}, fmt.Errorf("lexical search: %w", err)
		}
		return e.lexicalOnly(ctx, req, hits)

	default: // ModeHybrid
		var (
			wg      sync.WaitGroup
			vecHits []vectorindex.Hit
			details map[int64]store.ChunkDetail
			vecErr  error
			lexHits []store.LexicalHit
			lexErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			vecHits, details, vecErr = e.vectorBranch(ctx, req.Query, fetch, principal)
		}()
		go func() {
			defer wg.Done()
			lexHits, lexErr = e.store.SearchChunksLexical(ctx, req.Query, fetch, principal.ID, principal.Admin)
		}()
		wg.Wait()

		if vecErr != nil && lexErr != nil {
			return Response{}, fmt.Errorf("both branches failed: vector: %v; lexical: %w", vecErr, lexErr)
		}
		degraded := false
		if vecErr != nil {
			e.logger.Printf("warn: vector branch failed, serving lexical only: %v", vecErr)
			vecHits = nil
			degraded = true
		}
		if lexErr != nil {
			e.logger.Printf("warn: lexical branch failed, serving vector only: %v", lexErr)
			lexHits = nil
			degraded = true
		}
		resp, err := e.fuse(ctx, req, vecHits, lexHits, details)
		if err != nil {
			return Response{}, err
		}
		resp.Degraded = degraded
		return resp, nil
	}
}

// vectorBranch embeds the query, searches the index and applies visibility.
// The returned hits are already principal-scoped; their order defines the
// branch ranking. The detail map covers every returned hit.
func (e *Engine) vectorBranch(ctx context.Context, query string, fetch int, principal Principal) ([]vectorindex.Hit, map[int64]store.ChunkDetail, error) {
	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("embed query: %w", err)
	}
	raw, err := e.index.Search(vec, fetch)
	if err != nil {
		return nil, nil, fmt.Errorf("vector search: %w", err)
	}
	if len(raw) == 0 {
		return nil, map[int64]store.ChunkDetail{}, nil
	}

	ids := make([]int64, len(raw))
	for i, h := range raw {
		ids[i] = h.ChunkID
	}
	details, err := e.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("enrich vector hits: %w", err)
	}

	visible := raw[:0]
	for _, h := range raw {
		d, ok := details[h.ChunkID]
		if !ok {
			// Chunk deleted since the index snapshot; skip.
			continue
		}
		if !principal.Admin && d.OwnerID != principal.ID {
			continue
		}
		visible = append(visible, h)
	}
	return visible, details, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.GetEmbedding(ctx, query); ok {
			return vec, nil
		}
	}
	vecs, err := e.embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	if e.cache != nil {
		e.cache.SetEmbedding(ctx, query, vecs[0])
	}
	return vecs[0], nil
}

func (e *Engine) vectorOnly(req Request, hits []vectorindex.Hit, details map[int64]store.ChunkDetail) Response {
	if len(hits) > req.K {
		hits = hits[:req.K]
	}
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		d := details[h.ChunkID]
		rank := i + 1
		score := vectorindex.Similarity(h.Distance)
		results = append(results, Result{
			ChunkID:     h.ChunkID,
			DocumentID:  d.DocumentID,
			ChunkIndex:  d.Index,
			Filename:    d.Filename,
			Content:     d.Content,
			PageNumber:  d.PageNumber,
			Score:       score,
			VectorRank:  &rank,
			VectorScore: &score,
		})
	}
	return Response{Results: results, Mode: ModeVector}
}

func (e *Engine) lexicalOnly(ctx context.Context, req Request, hits []store.LexicalHit) (Response, error) {
	if len(hits) > req.K {
		hits = hits[:req.K]
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	details, err := e.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return Response{}, fmt.Errorf("enrich lexical hits: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		d, ok := details[h.ChunkID]
		if !ok {
			continue
		}
		rank := i + 1
		score := h.Rank
		results = append(results, Result{
			ChunkID:      h.ChunkID,
			DocumentID:   d.DocumentID,
			ChunkIndex:   d.Index,
			Filename:     d.Filename,
			Content:      d.Content,
			PageNumber:   d.PageNumber,
			Score:        score,
			LexicalRank:  &rank,
			LexicalScore: &score,
		})
	}
	return Response{Results: results, Mode: ModeLexical}, nil
}

// fuse combines the two branch rankings with reciprocal rank fusion. A chunk
// appearing in both lists accumulates both contributions; alpha weights the
// vector branch, 1-alpha the lexical branch.
func (e *Engine) fuse(ctx context.Context, req Request, vecHits []vectorindex.Hit, lexHits []store.LexicalHit, details map[int64]store.ChunkDetail) (Response, error) {
	type fused struct {
		id       int64
		score    float64
		vecRank  *int
		vecScore *float64
		lexRank  *int
		lexScore *float64
	}
	byID := make(map[int64]*fused)
	order := make([]int64, 0, len(vecHits)+len(lexHits))

	for i, h := range vecHits {
		rank := i + 1
		similarity := vectorindex.Similarity(h.Distance)
		f := &fused{id: h.ChunkID, score: req.Alpha / float64(rrfC+i+1), vecRank: &rank, vecScore: &similarity}
		byID[h.ChunkID] = f
		order = append(order, h.ChunkID)
	}
	for i, h := range lexHits {
		rank := i + 1
		lexScore := h.Rank
		contribution := (1 - req.Alpha) / float64(rrfC+i+1)
		if f, ok := byID[h.ChunkID]; ok {
			f.score += contribution
			f.lexRank = &rank
			f.lexScore = &lexScore
			continue
		}
		byID[h.ChunkID] = &fused{id: h.ChunkID, score: contribution, lexRank: &rank, lexScore: &lexScore}
		order = append(order, h.ChunkID)
	}

	all := make([]*fused, 0, len(order))
	for _, id := range order {
		all = append(all, byID[id])
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].score != all[b].score {
			return all[a].score > all[b].score
		}
		return all[a].id < all[b].id
	})
	if len(all) > req.K {
		all = all[:req.K]
	}

	// The vector branch already enriched its hits; fetch details only for
	// chunks that arrived via the lexical list alone.
	if details == nil {
		details = map[int64]store.ChunkDetail{}
	}
	var missing []int64
	for _, f := range all {
		if _, ok := details[f.id]; !ok {
			missing = append(missing, f.id)
		}
	}
	if len(missing) > 0 {
		extra, err := e.store.ChunksByIDs(ctx, missing)
		if err != nil {
			return Response{}, fmt.Errorf("enrich fused hits: %w", err)
		}
		for id, d := range extra {
			details[id] = d
		}
	}

	results := make([]Result, 0, len(all))
	for _, f := range all {
		d, ok := details[f.id]
		if !ok {
			continue
		}
		results = append(results, Result{
			ChunkID:      f.id,
			DocumentID:   d.DocumentID,
			ChunkIndex:   d.Index,
			Filename:     d.Filename,
			Content:      d.Content,
			PageNumber:   d.PageNumber,
			Score:        f.score,
			VectorRank:   f.vecRank,
			VectorScore:  f.vecScore,
			LexicalRank:  f.lexRank,
			LexicalScore: f.lexScore,
		})
	}
	return Response{Results: results, Mode: ModeHybrid}, nil
}
