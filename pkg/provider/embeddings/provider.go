// Package embeddings defines the Provider interface for vector embedding backends.
//
// Embeddings of each conversation's summary are stored next to the record so
// that caregivers can search past conversations by meaning ("when did she talk
// about the garden?") rather than by keyword.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the same length, reported by
// Dimensions. The length must match the vector column of the memory store.
type Provider interface {
	// Embed computes the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of every vector produced by this provider,
	// or 0 when it is not known before the first request.
	Dimensions() int

	// ModelID returns the model identifier (e.g., "text-embedding-3-small").
	ModelID() string
}
