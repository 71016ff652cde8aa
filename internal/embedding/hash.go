package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashDimensions is the vector size of the deterministic engine, matching
// the reference embedding model so stored records stay shape-compatible.
const HashDimensions = 1024

// HashEngine is a deterministic feature-hashing embedder. It needs no
// network or model weights: each lowercase token is hashed into a bucket
// with a hash-derived sign, and the accumulated vector is L2-normalized.
// Texts sharing vocabulary land near each other under cosine similarity,
// which is enough for offline operation and for exercising the selection
// pipeline in tests.
type HashEngine struct{}

// NewHashEngine creates the deterministic engine.
func NewHashEngine() *HashEngine { return &HashEngine{} }

// Embed generates an embedding for a single text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, HashDimensions)

	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % HashDimensions)
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign

		// A second rotated bucket smooths collisions for short texts.
		h2 := fnv.New64a()
		h2.Write([]byte("~"))
		h2.Write([]byte(token))
		sum2 := h2.Sum64()
		vec[int(sum2%HashDimensions)] += sign * 0.5
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, HashDimensions)
	if norm > 0 {
		inv := 1.0 / math.Sqrt(norm)
		for i, v := range vec {
			out[i] = float32(v * inv)
		}
	}
	return out, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashEngine) Dimensions() int { return HashDimensions }

// Name returns the engine name.
func (e *HashEngine) Name() string { return "hash:fnv64-1024" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
