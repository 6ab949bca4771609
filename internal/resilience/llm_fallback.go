package resilience

import (
	"context"

	"github.com/MrWong99/rememberme/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that completes with the first healthy
// backend of a [FallbackGroup].
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend after the existing ones.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Providers returns the backend names in try order.
func (f *LLMFallback) Providers() []string {
	return f.group.Names()
}

// Complete implements [llm.Provider]. The same request, including any JSON
// mode flag, is replayed against each fallback.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
