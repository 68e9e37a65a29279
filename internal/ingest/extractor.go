// Package ingest turns uploaded files into searchable chunks: text
// extraction, chunking, embedding and index maintenance.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/docquery/docquery/internal/chunker"
)

// ErrUnsupportedType is returned for files no extractor handles.
var ErrUnsupportedType = errors.New("unsupported document type")

// Extractor pulls plain text out of one uploaded file. Extractors that know
// about pagination return one Page per source page; the rest return a single
// page numbered zero, which the chunker treats as unpaged.
type Extractor interface {
	Extract(r io.Reader, filename string) ([]chunker.Page, error)
}

// Registry routes files to extractors by lowercase filename extension.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry builds a registry with the built-in text extractors. Binary
// formats (PDF, images, audio) are handled by out-of-process converters and
// registered by the caller when configured.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]Extractor{}}
	plain := plainTextExtractor{}
	r.Register(".txt", plain)
	r.Register(".md", plain)
	r.Register(".markdown", plain)
	html := htmlExtractor{}
	r.Register(".html", html)
	r.Register(".htm", html)
	return r
}

// Register adds or replaces the extractor for an extension (".pdf").
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// Supported reports whether the filename routes to an extractor.
func (r *Registry) Supported(filename string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Extract runs the extractor matching the filename's extension.
func (r *Registry) Extract(rd io.Reader, filename string) ([]chunker.Page, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	e, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	return e.Extract(rd, filename)
}

type plainTextExtractor struct{}

func (plainTextExtractor) Extract(r io.Reader, _ string) ([]chunker.Page, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []chunker.Page{{Text: text}}, nil
}

// htmlExtractor strips markup and boilerplate, keeping the readable article
// body.
type htmlExtractor struct{}

func (htmlExtractor) Extract(r io.Reader, filename string) ([]chunker.Page, error) {
	u := &url.URL{Scheme: "file", Path: filename}
	article, err := readability.FromReader(r, u)
	if err != nil {
		return nil, fmt.Errorf("extract html: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, nil
	}
	return []chunker.Page{{Text: text}}, nil
}
