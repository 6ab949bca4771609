// Package ollama embeds conversation summaries with a local Ollama server,
// so that they never leave the care home's network.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.Embed(ctx, summary)
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
)

// DefaultBaseURL is where a locally installed Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls Ollama's /api/embed endpoint. Request deadlines come from
// the caller's context.
type Provider struct {
	endpoint string
	model    string
	dims     int
}

// Option configures a [Provider].
type Option func(*Provider)

// WithDimensions sets the vector length of a model Ollama ships that is not
// in the built-in table.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// New returns a Provider for model. An empty baseURL means [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/embed",
		model:    model,
		dims:     knownDimensions(model),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Embed returns the embedding of one summary.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{p.model, []string{text}})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embeddings: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("ollama embeddings: response holds no vectors")
	}
	return out.Embeddings[0], nil
}

// Dimensions returns the vector length, or 0 when it is unknown.
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) ModelID() string { return p.model }

// knownDimensions covers the embedding models in Ollama's library that fit a
// care-home server.
func knownDimensions(model string) int {
	switch m := strings.ToLower(model); {
	case strings.Contains(m, "nomic-embed-text"):
		return 768
	case strings.Contains(m, "mxbai-embed-large"):
		return 1024
	case strings.Contains(m, "all-minilm"):
		return 384
	}
	return 0
}
