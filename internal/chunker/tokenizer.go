package chunker

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and windows tokens the same way the embedding provider
// budgets them, so chunk boundaries line up with the real token limit.
type Tokenizer interface {
	Count(text string) int
	// Split cuts text into consecutive windows of at most size tokens,
	// stepping size-overlap tokens between window starts.
	Split(text string, size, overlap int) []string
}

// DefaultEncoding matches the tokenizer used by the embedding models we target.
const DefaultEncoding = "cl100k_base"

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns a tiktoken-backed tokenizer for the given encoding.
// On failure the caller should fall back to NewApproxTokenizer.
func NewTokenizer(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *tiktokenTokenizer) Split(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	tokens := t.enc.Encode(text, nil, nil)
	var out []string
	for i := 0; i < len(tokens); i += step {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, t.enc.Decode(tokens[i:end]))
		if end == len(tokens) {
			break
		}
	}
	return out
}

// approxTokenizer counts whitespace-separated fields. It is the degraded
// fallback when the tiktoken encoding cannot be loaded; counts skew low for
// long words but chunking stays functional.
type approxTokenizer struct{}

// NewApproxTokenizer returns the fallback tokenizer. It never fails.
func NewApproxTokenizer() Tokenizer {
	return approxTokenizer{}
}

func (approxTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (approxTokenizer) Split(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	words := strings.Fields(text)
	var out []string
	for i := 0; i < len(words); i += step {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
