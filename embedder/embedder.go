// Package embedder turns text into unit vectors for semantic search.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// QueryPrefix is the retrieval instruction prepended to search queries.
// Documents are embedded without it; collapsing the two breaks retrieval
// quality, so EmbedQuery and EmbedDocument must stay asymmetric.
const QueryPrefix = "Represent this sentence for searching relevant passages: "

// ErrUnavailable is returned when the embedding backend cannot be reached.
var ErrUnavailable = errors.New("embedder unavailable")

// Default embedder configuration values
const (
	DefaultTimeout = 10 * time.Second
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "text-embedding-3-small"
)

// Embedder produces unit vectors of a fixed dimension. The dimension is
// pinned by the first successful call; later vectors of a different
// dimension are rejected.
type Embedder struct {
	fn      chromem.EmbeddingFunc
	timeout time.Duration

	mu  sync.Mutex
	dim int
}

// Option configures the Embedder.
type Option func(*Embedder)

// WithEmbeddingFunc sets a custom embedding backend.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) Option {
	return func(e *Embedder) {
		e.fn = fn
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Embedder) {
		e.timeout = d
	}
}

// New creates an Embedder backed by an OpenAI-compatible embeddings
// endpoint unless WithEmbeddingFunc overrides it.
func New(opts ...Option) *Embedder {
	e := &Embedder{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.fn == nil {
		baseURL := os.Getenv("EMBEDDER_BASE_URL")
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		model := os.Getenv("EMBEDDER_MODEL")
		if model == "" {
			model = DefaultModel
		}
		normalized := true
		e.fn = chromem.NewEmbeddingFuncOpenAICompat(baseURL, os.Getenv("OPENAI_API_KEY"), model, &normalized)
	}
	return e
}

// Dim returns the pinned vector dimension, 0 before the first call.
func (e *Embedder) Dim() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// EmbedDocument embeds a document, topic, or journal entry.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text)
}

// EmbedQuery embeds a search query with the retrieval-instruction prefix.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, QueryPrefix+text)
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	v, err := e.fn(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: backend returned empty vector", ErrUnavailable)
	}

	e.mu.Lock()
	if e.dim == 0 {
		e.dim = len(v)
	} else if len(v) != e.dim {
		dim := e.dim
		e.mu.Unlock()
		return nil, fmt.Errorf("embedding dimension changed from %d to %d; refusing to mix models", dim, len(v))
	}
	e.mu.Unlock()

	normalize(v)
	return v, nil
}

// normalize scales v to unit length in place so cosine similarity reduces
// to a dot product. A zero vector is left untouched.
func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
