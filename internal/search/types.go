// Package search implements hybrid retrieval: an exact vector branch and a
// Postgres full-text branch fused with reciprocal rank fusion.
package search

// Search modes.
const (
	ModeVector  = "vector"
	ModeLexical = "lexical"
	ModeHybrid  = "hybrid"
)

const (
	// DefaultK is the result count when the request leaves it unset.
	DefaultK = 10
	// MaxK caps how many results one request can ask for.
	MaxK = 100
	// DefaultAlpha balances the two branches evenly.
	DefaultAlpha = 0.5

	// rrfC dampens the influence of top ranks in reciprocal rank fusion.
	rrfC = 60
	// fetchMultiplier over-fetches per branch so fusion and visibility
	// filtering still leave k results to return.
	fetchMultiplier = 2
)

// Principal identifies the requesting user for visibility scoping.
type Principal struct {
	ID    int64
	Admin bool
}

// Request is one search invocation.
type Request struct {
	Query string  `json:"query"`
	K     int     `json:"k"`
	Mode  string  `json:"search_type"`
	Alpha float64 `json:"alpha"`
}

// Result is one retrieved chunk with its provenance. Branch ranks are 1-based;
// rank and score are nil for a branch that did not surface the chunk.
type Result struct {
	ChunkID      int64    `json:"chunk_id"`
	DocumentID   int64    `json:"document_id"`
	ChunkIndex   int      `json:"chunk_index"`
	Filename     string   `json:"filename"`
	Content      string   `json:"content"`
	PageNumber   *int     `json:"page_number,omitempty"`
	Score        float64  `json:"score"`
	VectorRank   *int     `json:"vector_rank,omitempty"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	LexicalRank  *int     `json:"lexical_rank,omitempty"`
	LexicalScore *float64 `json:"lexical_score,omitempty"`
}

// Response is the full search outcome. Degraded is set when hybrid mode lost
// one branch and fell back to the other.
type Response struct {
	Results   []Result `json:"results"`
	Mode      string   `json:"search_type"`
	Degraded  bool     `json:"degraded,omitempty"`
	FromCache bool     `json:"from_cache,omitempty"`
}
