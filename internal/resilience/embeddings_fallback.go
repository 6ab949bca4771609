package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
)

// EmbeddingsFallback is an [embeddings.Provider] that embeds with the first
// healthy backend of a [FallbackGroup]. Every backend must produce vectors of
// the same length, since they land in the same column.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback returns an EmbeddingsFallback that prefers primary.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Kind == "" {
		cfg.Kind = "embeddings"
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend. It fails when both the primary and
// p report a dimension and the two differ.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) error {
	want, got := f.Dimensions(), p.Dimensions()
	if want != 0 && got != 0 && want != got {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary has %d", name, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Embed implements [embeddings.Provider].
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// Dimensions reports the primary's dimensions.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID reports the primary's model.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
