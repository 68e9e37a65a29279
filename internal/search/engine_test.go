package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"testing"

	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/internal/vectorindex"
)

type fakeStore struct {
	lexical    []store.LexicalHit
	lexErr     error
	details    map[int64]store.ChunkDetail
	detailsErr error
	lexCalls   int
}

func (f *fakeStore) SearchChunksLexical(ctx context.Context, query string, limit int, ownerID int64, admin bool) ([]store.LexicalHit, error) {
	f.lexCalls++
	if f.lexErr != nil {
		return nil, f.lexErr
	}
	if len(f.lexical) > limit {
		return f.lexical[:limit], nil
	}
	return f.lexical, nil
}

func (f *fakeStore) ChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.ChunkDetail, error) {
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	out := make(map[int64]store.ChunkDetail)
	for _, id := range ids {
		if d, ok := f.details[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type fakeIndex struct {
	hits []vectorindex.Hit
	err  error
}

func (f *fakeIndex) Search(query []float32, k int) ([]vectorindex.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fakeCache struct {
	queries    map[string][]byte
	embeddings map[string][]float32
	queryGets  int
	querySets  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{queries: map[string][]byte{}, embeddings: map[string][]float32{}}
}

func (f *fakeCache) QueryKey(principalID int64, query string, k int, mode string, alpha float64) string {
	return fmt.Sprintf("query:u%d:%s|%d|%s|%g", principalID, query, k, mode, alpha)
}

func (f *fakeCache) GetQuery(ctx context.Context, key string) ([]byte, bool) {
	f.queryGets++
	v, ok := f.queries[key]
	return v, ok
}

func (f *fakeCache) SetQuery(ctx context.Context, key string, payload []byte) {
	f.querySets++
	f.queries[key] = payload
}

func (f *fakeCache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	v, ok := f.embeddings[text]
	return v, ok
}

func (f *fakeCache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	f.embeddings[text] = vec
}

func details(owner int64, ids ...int64) map[int64]store.ChunkDetail {
	out := make(map[int64]store.ChunkDetail, len(ids))
	for _, id := range ids {
		out[id] = store.ChunkDetail{
			ID:         id,
			DocumentID: 100 + id,
			Index:      int(id),
			Content:    fmt.Sprintf("chunk %d", id),
			Filename:   "doc.txt",
			OwnerID:    owner,
		}
	}
	return out
}

func testEngine(st *fakeStore, ix *fakeIndex, em *fakeEmbedder, c ResultCache) *Engine {
	var rc ResultCache
	if c != nil {
		rc = c
	}
	return NewEngine(st, ix, em, rc, log.New(io.Discard, "", 0))
}

func TestHybridFusionOrdersByCombinedRank(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 2, Rank: 0.9}, {ChunkID: 3, Rank: 0.5}, {ChunkID: 1, Rank: 0.1}},
		details: details(4, 1, 2, 3),
	}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 1, Distance: 0.1}, {ChunkID: 2, Distance: 0.2}, {ChunkID: 3, Distance: 0.3}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", K: 10, Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != ModeHybrid || resp.Degraded {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	// Chunk 2 is second in the vector ranking and first in the lexical one;
	// its combined reciprocal-rank score beats chunk 1 (first/third) and
	// chunk 3 (third/second).
	if got := []int64{resp.Results[0].ChunkID, resp.Results[1].ChunkID, resp.Results[2].ChunkID}; got[0] != 2 || got[1] != 1 || got[2] != 3 {
		t.Errorf("order = %v, want [2 1 3]", got)
	}
	if resp.Results[0].VectorRank == nil || *resp.Results[0].VectorRank != 2 {
		t.Errorf("chunk 2 vector rank = %v, want 2", resp.Results[0].VectorRank)
	}
	if resp.Results[0].LexicalRank == nil || *resp.Results[0].LexicalRank != 1 {
		t.Errorf("chunk 2 lexical rank = %v, want 1", resp.Results[0].LexicalRank)
	}
	if resp.Results[0].VectorScore == nil || resp.Results[0].LexicalScore == nil {
		t.Error("branch scores missing on a chunk present in both rankings")
	}
}

func TestHybridScoreOfSingleTopHit(t *testing.T) {
	st := &fakeStore{details: details(4, 7)}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 7, Distance: 0}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid, Alpha: 1}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Results))
	}
	want := 1.0 / 61.0
	if math.Abs(resp.Results[0].Score-want) > 1e-12 {
		t.Errorf("score = %v, want %v", resp.Results[0].Score, want)
	}
}

func TestHybridFallsBackToLexicalWhenEmbeddingFails(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 5, Rank: 0.8}},
		details: details(4, 5),
	}
	ix := &fakeIndex{}
	em := &fakeEmbedder{err: errors.New("provider down")}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Degraded {
		t.Error("response not marked degraded")
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != 5 {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestHybridServesVectorWhenLexicalFails(t *testing.T) {
	st := &fakeStore{
		lexErr:  errors.New("db down"),
		details: details(4, 9),
	}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 9, Distance: 0.1}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Degraded {
		t.Error("response not marked degraded")
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != 9 {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestHybridFailsWhenBothBranchesFail(t *testing.T) {
	st := &fakeStore{lexErr: errors.New("db down")}
	ix := &fakeIndex{}
	em := &fakeEmbedder{err: errors.New("provider down")}
	e := testEngine(st, ix, em, nil)

	if _, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid}, Principal{ID: 4}); err == nil {
		t.Fatal("expected error when both branches fail")
	}
}

func TestVectorModeScopesToOwner(t *testing.T) {
	d := details(4, 1)
	for id, cd := range details(5, 2) {
		d[id] = cd
	}
	st := &fakeStore{details: d}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 2, Distance: 0.1}, {ChunkID: 1, Distance: 0.2}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeVector}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != 1 {
		t.Fatalf("results = %+v, want only chunk 1", resp.Results)
	}
	// Rank 1 after filtering: the foreign chunk never occupied a rank.
	if *resp.Results[0].VectorRank != 1 {
		t.Errorf("vector rank = %d, want 1", *resp.Results[0].VectorRank)
	}
}

func TestRanksAreOneBased(t *testing.T) {
	st := &fakeStore{details: details(4, 7)}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 7, Distance: 0.1}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeVector}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	r := resp.Results[0]
	if r.VectorRank == nil || *r.VectorRank != 1 {
		t.Fatalf("top hit vector rank = %v, want 1", r.VectorRank)
	}
	wantScore := vectorindex.Similarity(0.1)
	if r.VectorScore == nil || math.Abs(*r.VectorScore-wantScore) > 1e-12 {
		t.Errorf("vector score = %v, want %v", r.VectorScore, wantScore)
	}
	if r.ChunkIndex != 7 {
		t.Errorf("chunk index = %d, want 7", r.ChunkIndex)
	}
	if r.LexicalRank != nil || r.LexicalScore != nil {
		t.Error("lexical provenance set on a vector-only result")
	}
}

func TestVectorModeAdminSeesAll(t *testing.T) {
	d := details(4, 1)
	for id, cd := range details(5, 2) {
		d[id] = cd
	}
	st := &fakeStore{details: d}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 2, Distance: 0.1}, {ChunkID: 1, Distance: 0.2}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeVector}, Principal{ID: 9, Admin: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("admin got %d results, want 2", len(resp.Results))
	}
}

func TestVectorModeSkipsDeletedChunks(t *testing.T) {
	st := &fakeStore{details: details(4, 1)}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 99, Distance: 0}, {ChunkID: 1, Distance: 0.5}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	e := testEngine(st, ix, em, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeVector}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != 1 {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestLexicalModeUsesRankAsScore(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 3, Rank: 0.77}},
		details: details(4, 3),
	}
	e := testEngine(st, &fakeIndex{}, &fakeEmbedder{}, nil)

	resp, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeLexical}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != ModeLexical {
		t.Errorf("mode = %s", resp.Mode)
	}
	if len(resp.Results) != 1 || resp.Results[0].Score != 0.77 {
		t.Fatalf("results = %+v", resp.Results)
	}
	r := resp.Results[0]
	if r.LexicalRank == nil || *r.LexicalRank != 1 {
		t.Errorf("lexical rank = %v, want 1", r.LexicalRank)
	}
	if r.LexicalScore == nil || *r.LexicalScore != 0.77 {
		t.Errorf("lexical score = %v, want 0.77", r.LexicalScore)
	}
	if r.ChunkIndex != 3 {
		t.Errorf("chunk index = %d, want 3", r.ChunkIndex)
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	e := testEngine(&fakeStore{}, &fakeIndex{}, &fakeEmbedder{}, nil)
	if _, err := e.Search(context.Background(), Request{Query: "   "}, Principal{ID: 1}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	e := testEngine(&fakeStore{}, &fakeIndex{}, &fakeEmbedder{}, nil)
	if _, err := e.Search(context.Background(), Request{Query: "q", Mode: "fuzzy"}, Principal{ID: 1}); !errors.Is(err, ErrBadMode) {
		t.Fatalf("err = %v, want ErrBadMode", err)
	}
}

func TestCachedResultServedWithoutRunningBranches(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 5, Rank: 0.8}},
		details: details(4, 5),
	}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 5, Distance: 0.1}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	c := newFakeCache()
	e := testEngine(st, ix, em, c)

	first, err := e.Search(context.Background(), Request{Query: "q", K: 5, Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if first.FromCache {
		t.Fatal("first search claimed to be cached")
	}
	if c.querySets != 1 {
		t.Fatalf("query cache sets = %d, want 1", c.querySets)
	}

	embedCalls := em.calls
	lexCalls := st.lexCalls
	second, err := e.Search(context.Background(), Request{Query: "q", K: 5, Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if !second.FromCache {
		t.Error("second search not served from cache")
	}
	if em.calls != embedCalls || st.lexCalls != lexCalls {
		t.Error("branches ran despite cache hit")
	}
	if len(second.Results) != len(first.Results) {
		t.Errorf("cached result count %d != fresh %d", len(second.Results), len(first.Results))
	}
}

func TestAnonymousRequestsBypassQueryCache(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 5, Rank: 0.8}},
		details: details(0, 5),
	}
	c := newFakeCache()
	e := testEngine(st, &fakeIndex{}, &fakeEmbedder{vec: []float32{1}}, c)

	if _, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeLexical}, Principal{ID: 0}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if c.queryGets != 0 || c.querySets != 0 {
		t.Errorf("query cache touched for anonymous principal: gets=%d sets=%d", c.queryGets, c.querySets)
	}
}

func TestQueryEmbeddingReused(t *testing.T) {
	st := &fakeStore{details: details(0, 1)}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 1, Distance: 0}}}
	em := &fakeEmbedder{vec: []float32{1, 0}}
	c := newFakeCache()
	// Anonymous principal so the query cache stays out of the way and the
	// second search exercises the embedding cache.
	e := testEngine(st, ix, em, c)

	for i := 0; i < 2; i++ {
		if _, err := e.Search(context.Background(), Request{Query: "same query", Mode: ModeVector}, Principal{ID: 0, Admin: true}); err != nil {
			t.Fatalf("Search %d: %v", i, err)
		}
	}
	if em.calls != 1 {
		t.Errorf("embedder called %d times, want 1", em.calls)
	}
}

func TestDefaultsApplied(t *testing.T) {
	st := &fakeStore{details: details(4)}
	ix := &fakeIndex{}
	em := &fakeEmbedder{vec: []float32{1}}
	c := newFakeCache()
	e := testEngine(st, ix, em, c)

	if _, err := e.Search(context.Background(), Request{Query: "q", Alpha: 0.5}, Principal{ID: 4}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	wantKey := c.QueryKey(4, "q", DefaultK, ModeHybrid, 0.5)
	if _, ok := c.queries[wantKey]; !ok {
		t.Errorf("cache key does not reflect defaults; stored keys: %v", mapKeys(c.queries))
	}
}

func TestCachedPayloadRoundTripsProvenance(t *testing.T) {
	st := &fakeStore{
		lexical: []store.LexicalHit{{ChunkID: 2, Rank: 0.9}},
		details: details(4, 2),
	}
	ix := &fakeIndex{hits: []vectorindex.Hit{{ChunkID: 2, Distance: 0.1}}}
	em := &fakeEmbedder{vec: []float32{1}}
	c := newFakeCache()
	e := testEngine(st, ix, em, c)

	if _, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, err := e.Search(context.Background(), Request{Query: "q", Mode: ModeHybrid, Alpha: 0.5}, Principal{ID: 4})
	if err != nil {
		t.Fatalf("cached Search: %v", err)
	}
	r := second.Results[0]
	if r.VectorRank == nil || r.LexicalRank == nil {
		data, _ := json.Marshal(r)
		t.Errorf("provenance lost through the cache: %s", data)
	}
}

func mapKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
