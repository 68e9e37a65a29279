package provider

import (
	"context"
	"errors"
	"os"
	"time"

	openai_provider "github.com/docquery/docquery/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// Embedder turns text into fixed-dimension semantic vectors.
type Embedder interface {
	// CreateEmbedding returns one vector per input text, in input order.
	// Implementations split oversized inputs into provider-sized batches.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the length of every vector this embedder produces.
	Dimension() int
}

// Completer answers a question grounded in supplied context passages.
type Completer interface {
	Answer(ctx context.Context, question string, passages []string) (string, error)
}

// Provider is the full surface the ingestion and answer paths need.
type Provider interface {
	Embedder
	Completer
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, embeddingDim int) (Provider, error) {
	switch client {
	case OpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		return openai_provider.NewOpenAIClient(
			apiKey,
			"gpt-4o-mini",
			"text-embedding-3-small",
			embeddingDim,
			0.2,
			1024,
			30*time.Second,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
