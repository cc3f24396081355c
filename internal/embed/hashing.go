package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashingEmbedder maps text into a fixed-length vector by feature-hashing
// unigrams and bigrams. It is fully deterministic and needs no external
// service, which makes it the default for tests and air-gapped runs. Messages
// sharing tokens land near each other; it is not a semantic model.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder returns a hashing embedder with the given
// dimensionality (256 when non-positive).
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// EmbedBatch hashes each text independently. It never fails.
func (e *HashingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.embed(text)
	}
	return vectors, nil
}

func (e *HashingEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dim)
	tokens := strings.Fields(strings.ToLower(text))
	for i, tok := range tokens {
		e.accumulate(vec, tok)
		if i+1 < len(tokens) {
			e.accumulate(vec, tok+" "+tokens[i+1])
		}
	}
	normalize(vec)
	return vec
}

// accumulate adds a signed unit contribution for one feature. The low bit of
// the hash picks the sign so collisions tend to cancel instead of inflating.
func (e *HashingEmbedder) accumulate(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dim))
	if sum&(1<<63) != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Dim returns the vector dimensionality.
func (e *HashingEmbedder) Dim() int { return e.dim }

// Model identifies the hashing scheme in provenance columns.
func (e *HashingEmbedder) Model() string { return "feature-hashing-v1" }

// Close is a no-op.
func (e *HashingEmbedder) Close() error { return nil }
