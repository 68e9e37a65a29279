// Package chunker splits extracted document text into token-bounded,
// sentence-respecting segments suitable for embedding and retrieval.
package chunker

import (
	"log"
	"strings"
)

// Defaults for chunking parameters, in tokens.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
	DefaultMinChunkSize = 100
)

// Chunk is a bounded text segment derived from a document. Index values are
// dense and 0-based in emission order.
type Chunk struct {
	Content    string
	Index      int
	TokenCount int
	PageNumber *int
}

// Page pairs extracted text with the page it came from.
type Page struct {
	Text   string
	Number int
}

// Config holds chunking parameters. Zero values fall back to the defaults.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
	Encoding     string
}

// Splitter chunks raw text. Tokenizer and sentence-splitter failures during
// construction degrade to approximate fallbacks; they are never fatal.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	minChunkSize int
	tok          Tokenizer
	sent         SentenceSplitter
	logger       *log.Logger
}

// NewSplitter builds a Splitter from cfg.
func NewSplitter(cfg Config, logger *log.Logger) *Splitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[CHUNKER] ", log.LstdFlags)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = DefaultMinChunkSize
	}
	tok, err := NewTokenizer(cfg.Encoding)
	if err != nil {
		logger.Printf("warn: tokenizer init failed (%v), using approximate counts", err)
		tok = NewApproxTokenizer()
	}
	sent, err := NewSentenceSplitter()
	if err != nil {
		logger.Printf("warn: sentence tokenizer init failed (%v), using regex split", err)
		sent = NewRegexSplitter()
	}
	return &Splitter{
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		minChunkSize: cfg.MinChunkSize,
		tok:          tok,
		sent:         sent,
		logger:       logger,
	}
}

// CountTokens reports the token count of text under the splitter's tokenizer.
func (s *Splitter) CountTokens(text string) int { return s.tok.Count(text) }

// Chunk splits text into sentence-respecting chunks of at most ChunkSize
// tokens with ChunkOverlap tokens carried between neighbours. Chunks below
// MinChunkSize tokens are discarded. Empty or whitespace-only input yields nil.
func (s *Splitter) Chunk(text string) []Chunk {
	return s.chunk(text, nil)
}

// ChunkPages chunks each page independently so no chunk crosses a page
// boundary, then reindexes the combined sequence globally.
func (s *Splitter) ChunkPages(pages []Page) []Chunk {
	var all []Chunk
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		page := p.Number
		all = append(all, s.chunk(p.Text, &page)...)
	}
	for i := range all {
		all[i].Index = i
	}
	return all
}

func (s *Splitter) chunk(text string, page *int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sentences := s.sent.Sentences(text)

	var chunks []Chunk
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, " ")
		if n := s.tok.Count(joined); n >= s.minChunkSize {
			chunks = append(chunks, Chunk{
				Content:    joined,
				Index:      len(chunks),
				TokenCount: n,
				PageNumber: page,
			})
		}
		current = nil
		currentTokens = 0
	}

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		n := s.tok.Count(sentence)

		// A single sentence longer than the budget is hard-split at the
		// token level.
		if n > s.chunkSize {
			flush()
			for _, part := range s.tok.Split(sentence, s.chunkSize, s.chunkOverlap) {
				if pn := s.tok.Count(part); pn >= s.minChunkSize {
					chunks = append(chunks, Chunk{
						Content:    part,
						Index:      len(chunks),
						TokenCount: pn,
						PageNumber: page,
					})
				}
			}
			continue
		}

		if currentTokens+n > s.chunkSize {
			overlap := s.overlapSentences(current)
			flush()
			current = append(overlap, sentence)
			currentTokens = s.tok.Count(strings.Join(current, " "))
			continue
		}

		current = append(current, sentence)
		currentTokens += n
	}

	flush()
	return chunks
}

// overlapSentences walks backward through the closing chunk's sentences until
// the overlap token budget is filled, preserving original order.
func (s *Splitter) overlapSentences(current []string) []string {
	var overlap []string
	tokens := 0
	for i := len(current) - 1; i >= 0; i-- {
		n := s.tok.Count(current[i])
		if tokens+n > s.chunkOverlap {
			break
		}
		overlap = append([]string{current[i]}, overlap...)
		tokens += n
	}
	return overlap
}
