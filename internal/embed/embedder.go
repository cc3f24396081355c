package embed

import (
	"context"
	"errors"
)

// ErrUnavailable signals that the embedding backend cannot be reached or
// timed out. It is fatal for the job attempt that hits it.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Embedder produces fixed-length vectors from text. The model itself is an
// external collaborator; the engine only depends on this contract.
type Embedder interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dim returns the vector dimensionality.
	Dim() int
	// Model names the backing model for provenance columns.
	Model() string
	Close() error
}
