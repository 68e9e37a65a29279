package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryPlainText(t *testing.T) {
	r := NewRegistry()
	pages, err := r.Extract(strings.NewReader("  hello world  "), "notes.txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 1 || pages[0].Text != "hello world" {
		t.Fatalf("pages = %+v", pages)
	}
	if pages[0].Number != 0 {
		t.Errorf("plain text page number = %d, want 0", pages[0].Number)
	}
}

func TestRegistryMarkdownRoutesToPlainText(t *testing.T) {
	r := NewRegistry()
	pages, err := r.Extract(strings.NewReader("# Title\n\nBody text."), "README.md")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 1 || !strings.Contains(pages[0].Text, "Body text.") {
		t.Fatalf("pages = %+v", pages)
	}
}

func TestRegistryHTMLStripsMarkup(t *testing.T) {
	r := NewRegistry()
	html := `<html><head><title>T</title></head><body><article><p>The quick brown fox jumps over the lazy dog. This paragraph carries the readable body of the page and should survive extraction intact.</p></article></body></html>`
	pages, err := r.Extract(strings.NewReader(html), "page.html")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	if strings.Contains(pages[0].Text, "<p>") {
		t.Error("markup leaked into extracted text")
	}
	if !strings.Contains(pages[0].Text, "quick brown fox") {
		t.Errorf("body text missing: %q", pages[0].Text)
	}
}

func TestRegistryUnsupportedExtension(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Extract(strings.NewReader("x"), "track.mp3"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if r.Supported("track.mp3") {
		t.Error("Supported(mp3) = true")
	}
	if !r.Supported("Doc.TXT") {
		t.Error("Supported is case-sensitive on extension")
	}
}

func TestRegistryCustomExtractor(t *testing.T) {
	r := NewRegistry()
	r.Register(".pdf", plainTextExtractor{})
	if !r.Supported("paper.pdf") {
		t.Fatal("registered extension not supported")
	}
}

func TestRegistryEmptyFile(t *testing.T) {
	r := NewRegistry()
	pages, err := r.Extract(strings.NewReader(""), "empty.txt")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("pages = %+v, want none", pages)
	}
}
