package chunker

import (
	"regexp"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// SentenceSplitter detects sentence boundaries in raw text.
type SentenceSplitter interface {
	Sentences(text string) []string
}

type punktSplitter struct {
	tok *sentences.DefaultSentenceTokenizer
}

// NewSentenceSplitter returns a punkt-trained English sentence tokenizer.
// On failure the caller should fall back to NewRegexSplitter.
func NewSentenceSplitter() (SentenceSplitter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, err
	}
	return punktSplitter{tok: tok}, nil
}

func (s punktSplitter) Sentences(text string) []string {
	var out []string
	for _, sent := range s.tok.Tokenize(text) {
		t := strings.TrimSpace(sent.Text)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)

type regexSplitter struct{}

// NewRegexSplitter returns the degraded fallback splitter: a plain split on
// terminal punctuation followed by whitespace.
func NewRegexSplitter() SentenceSplitter {
	return regexSplitter{}
}

func (regexSplitter) Sentences(text string) []string {
	var out []string
	for _, part := range sentenceBoundary.Split(text, -1) {
		t := strings.TrimSpace(part)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
