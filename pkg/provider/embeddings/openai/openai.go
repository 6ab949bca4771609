// Package openai embeds conversation summaries with the OpenAI embeddings
// API, or with any server that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text with one OpenAI embeddings model. Request deadlines
// come from the caller's context.
type Provider struct {
	client  oai.Client
	model   string
	dims    int
	reqOpts []option.RequestOption
}

// Option configures a [Provider].
type Option func(*Provider)

// WithBaseURL sends requests to an OpenAI-compatible server instead of
// api.openai.com.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithBaseURL(url)) }
}

// WithDimensions requests vectors shortened to n, so a text-embedding-3 model
// fits the store's vector column.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// New returns a Provider for model, or [DefaultModel] when model is empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{model: model, reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)}}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = nativeDimensions(model)
	}
	p.client = oai.NewClient(p.reqOpts...)
	return p, nil
}

// Embed returns the embedding of one summary.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	}
	if p.dims > 0 && p.dims != nativeDimensions(p.model) {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: response holds no vectors")
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the vector length, or 0 for an unknown model without
// [WithDimensions].
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) ModelID() string { return p.model }

func nativeDimensions(model string) int {
	switch m := strings.ToLower(model); {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "text-embedding-ada-002"):
		return 1536
	}
	return 0
}
