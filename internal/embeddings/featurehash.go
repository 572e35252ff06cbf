package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultDimension = 256

// FeatureHash is a deterministic bag-of-features embedder.
//
// Tokens are hashed into a fixed-length vector (the hashing trick), signed by
// a second hash bit to keep the expected value of colliding features at zero,
// then L2-normalized. The same content always produces the same unit vector,
// which keeps similarity search reproducible across processes and restarts
// without any model artifacts.
//
// Invariants: outputs are unit-norm (zero vector for empty input), and cosine
// similarity between any two outputs lies in [-1, 1].
type FeatureHash struct {
	dimension int
}

// NewFeatureHash creates a feature-hashing embedder.
func NewFeatureHash(config ProviderConfig) (*FeatureHash, error) {
	config.ApplyDefaults()
	if config.Dimension < 8 {
		return nil, fmt.Errorf("dimension must be at least 8, got %d", config.Dimension)
	}
	return &FeatureHash{dimension: config.Dimension}, nil
}

// EmbedQuery generates an embedding for a single text.
func (f *FeatureHash) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.embed(text), nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (f *FeatureHash) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the embedding dimension.
func (f *FeatureHash) Dimension() int {
	return f.dimension
}

// Close is a no-op; the embedder holds no resources.
func (f *FeatureHash) Close() error {
	return nil
}

func (f *FeatureHash) embed(text string) []float32 {
	vec := make([]float32, f.dimension)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		idx := int(sum % uint64(f.dimension))
		// Sign bit from an independent part of the hash keeps colliding
		// tokens from always reinforcing each other.
		if (sum>>32)&1 == 1 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	return normalize(vec)
}

// tokenize lowercases and splits on any non-alphanumeric rune. Key-value
// tokens like "urgency=low" survive as two tokens, so both the field name
// and its value contribute features.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize scales vec to unit L2 norm. A zero vector is returned unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Ensure FeatureHash implements Provider.
var _ Provider = (*FeatureHash)(nil)
